package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/saturn/internal/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedService(t *testing.T, store catalog.Store, id, slug string, status catalog.Status) {
	t.Helper()
	err := store.CreateService(context.Background(), &catalog.Service{
		ID:                id,
		Slug:              slug,
		Name:              slug,
		Tier:              catalog.TierCurated,
		Status:            status,
		BaseURL:           "https://api.example.com",
		AuthType:          catalog.AuthBearer,
		AuthCredentialEnv: "EXAMPLE_API_KEY",
	})
	require.NoError(t, err)
}

func setRoutes(t *testing.T, store catalog.Store, serviceID string, routes ...*catalog.CapabilityRoute) {
	t.Helper()
	require.NoError(t, store.SetCapabilities(context.Background(), serviceID, routes))
}

func loadedRegistry(t *testing.T, store catalog.Store) *Registry {
	t.Helper()
	r := NewRegistry(store, testLogger())
	require.NoError(t, r.Reload(context.Background()))
	return r
}

func TestResolvePicksLowestPriority(t *testing.T) {
	store := catalog.NewMemoryStore()
	seedService(t, store, "svc_a", "tavily", catalog.StatusActive)
	seedService(t, store, "svc_b", "serper", catalog.StatusActive)
	setRoutes(t, store, "svc_a", &catalog.CapabilityRoute{ServiceID: "svc_a", Capability: "search", Priority: 10})
	setRoutes(t, store, "svc_b", &catalog.CapabilityRoute{ServiceID: "svc_b", Capability: "search", Priority: 5})

	r := loadedRegistry(t, store)

	svc, err := r.Resolve(context.Background(), "search")
	require.NoError(t, err)
	assert.Equal(t, "serper", svc.Slug)
	assert.Equal(t, []string{"serper", "tavily"}, r.Providers("search"))
}

func TestResolveSkipsInactiveProviders(t *testing.T) {
	store := catalog.NewMemoryStore()
	seedService(t, store, "svc_a", "primary-scraper", catalog.StatusDisabled)
	seedService(t, store, "svc_b", "backup-scraper", catalog.StatusActive)
	setRoutes(t, store, "svc_a", &catalog.CapabilityRoute{ServiceID: "svc_a", Capability: "scrape", Priority: 1})
	setRoutes(t, store, "svc_b", &catalog.CapabilityRoute{ServiceID: "svc_b", Capability: "scrape", Priority: 2})

	r := loadedRegistry(t, store)

	svc, err := r.Resolve(context.Background(), "scrape")
	require.NoError(t, err)
	assert.Equal(t, "backup-scraper", svc.Slug)
}

func TestResolveNoProvider(t *testing.T) {
	store := catalog.NewMemoryStore()
	seedService(t, store, "svc_a", "dead-tts", catalog.StatusDisabled)
	setRoutes(t, store, "svc_a", &catalog.CapabilityRoute{ServiceID: "svc_a", Capability: "speak", Priority: 1})

	r := loadedRegistry(t, store)

	_, err := r.Resolve(context.Background(), "speak")
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = r.Resolve(context.Background(), "transcribe")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestReloadPicksUpRouteChanges(t *testing.T) {
	store := catalog.NewMemoryStore()
	seedService(t, store, "svc_a", "old-search", catalog.StatusActive)
	seedService(t, store, "svc_b", "new-search", catalog.StatusActive)
	setRoutes(t, store, "svc_a", &catalog.CapabilityRoute{ServiceID: "svc_a", Capability: "search", Priority: 5})

	r := loadedRegistry(t, store)

	svc, err := r.Resolve(context.Background(), "search")
	require.NoError(t, err)
	assert.Equal(t, "old-search", svc.Slug)

	// New lower-priority route is invisible until the next reload.
	setRoutes(t, store, "svc_b", &catalog.CapabilityRoute{ServiceID: "svc_b", Capability: "search", Priority: 1})
	svc, err = r.Resolve(context.Background(), "search")
	require.NoError(t, err)
	assert.Equal(t, "old-search", svc.Slug)

	require.NoError(t, r.Reload(context.Background()))
	svc, err = r.Resolve(context.Background(), "search")
	require.NoError(t, err)
	assert.Equal(t, "new-search", svc.Slug)
}

func TestPeriodicReload(t *testing.T) {
	store := catalog.NewMemoryStore()
	seedService(t, store, "svc_a", "provider-a", catalog.StatusActive)

	r := loadedRegistry(t, store)
	r.Start(context.Background(), 5*time.Millisecond)
	defer r.Stop()

	setRoutes(t, store, "svc_a", &catalog.CapabilityRoute{ServiceID: "svc_a", Capability: "email", Priority: 1})
	time.Sleep(30 * time.Millisecond)

	svc, err := r.Resolve(context.Background(), "email")
	require.NoError(t, err)
	assert.Equal(t, "provider-a", svc.Slug)
}

func TestListIncludesEmptyCapabilities(t *testing.T) {
	store := catalog.NewMemoryStore()
	seedService(t, store, "svc_a", "gpt-proxy", catalog.StatusActive)
	setRoutes(t, store, "svc_a", &catalog.CapabilityRoute{ServiceID: "svc_a", Capability: "reason", Priority: 1})

	r := loadedRegistry(t, store)

	list := r.List()
	assert.Equal(t, []string{"gpt-proxy"}, list["reason"])
	assert.Empty(t, list["imagine"])
	assert.Len(t, list, len(Known))
}
