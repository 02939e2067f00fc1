// Package capability routes capability names to provider services.
// The routing table lives in the catalog; this package keeps a cheap
// in-memory snapshot so the proxy path never queries the database to
// pick a provider.
package capability

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/catalog"
)

// ErrNoProvider means no active service serves the capability.
var ErrNoProvider = errors.New("capability: no active provider")

// Known is the capability vocabulary. Catalog routes outside this set
// still resolve; the list is what GET /v1/capabilities advertises even
// when a capability has no providers yet.
var Known = []string{
	"reason", "search", "read", "scrape", "execute",
	"email", "sms", "imagine", "speak", "transcribe",
}

// route is one provider entry in the snapshot, kept in priority order.
type route struct {
	service  *catalog.Service
	priority int
}

// Registry resolves capabilities against a periodically reloaded
// snapshot of the catalog's routing table.
type Registry struct {
	store  catalog.Store
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[string][]route

	stop chan struct{}
	done chan struct{}
}

// NewRegistry creates a registry. Call Reload before serving traffic.
func NewRegistry(store catalog.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		routes: make(map[string][]route),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Reload rebuilds the snapshot from the catalog store. Disabled
// services are dropped here so Resolve never returns one.
func (r *Registry) Reload(ctx context.Context) error {
	services, err := r.store.ListServices(ctx, true)
	if err != nil {
		return err
	}
	byID := make(map[string]*catalog.Service, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
	}

	rows, err := r.store.ListCapabilityRoutes(ctx)
	if err != nil {
		return err
	}

	next := make(map[string][]route)
	for _, row := range rows {
		svc, ok := byID[row.ServiceID]
		if !ok {
			continue
		}
		next[row.Capability] = append(next[row.Capability], route{service: svc, priority: row.Priority})
	}
	for _, list := range next {
		sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	}

	r.mu.Lock()
	r.routes = next
	r.mu.Unlock()
	return nil
}

// Start reloads the snapshot on an interval until Stop is called.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go r.reloadLoop(ctx, interval)
}

// Stop halts the reload loop. Call after Start.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Registry) reloadLoop(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("capability reload failed", "error", err)
			}
		}
	}
}

// Resolve returns the lowest-priority active provider for a
// capability. Curated services occupy the low priorities, so they win
// over community providers for the same capability.
func (r *Registry) Resolve(_ context.Context, capability string) (*catalog.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.routes[capability]
	if len(list) == 0 {
		return nil, ErrNoProvider
	}
	return list[0].service, nil
}

// Providers returns the ordered provider slugs for a capability.
func (r *Registry) Providers(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.routes[capability]
	out := make([]string, 0, len(list))
	for _, rt := range list {
		out = append(out, rt.service.Slug)
	}
	return out
}

// List returns capability -> ordered provider slugs. Known
// capabilities appear even when empty.
func (r *Registry) List() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(Known))
	for _, c := range Known {
		out[c] = []string{}
	}
	for c, list := range r.routes {
		slugs := make([]string, 0, len(list))
		for _, rt := range list {
			slugs = append(slugs, rt.service.Slug)
		}
		out[c] = slugs
	}
	return out
}
