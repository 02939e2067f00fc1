package adapters

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/catalog"
)

// Factory builds a custom adapter for a curated service. The pricing
// rows are the service's current catalog prices.
type Factory func(svc *catalog.Service, pricing []*catalog.ServicePricing) (Adapter, error)

type entry struct {
	adapter Adapter
	service *catalog.Service
}

// Registry maps service slugs to adapters, rebuilt from the catalog
// on Reload. Community services always get GenericHTTP; curated
// services use a registered Factory when one exists.
type Registry struct {
	store  catalog.Store
	logger *slog.Logger

	mu     sync.RWMutex
	bySlug map[string]entry
	custom map[string]Factory

	stop chan struct{}
	done chan struct{}
}

// NewRegistry creates a registry. Register custom factories, then
// call Reload before serving traffic.
func NewRegistry(store catalog.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		bySlug: make(map[string]entry),
		custom: make(map[string]Factory),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RegisterCustom installs a factory for a curated service slug. The
// factory only applies to curated rows; a community service with the
// same slug would still get GenericHTTP.
func (r *Registry) RegisterCustom(slug string, f Factory) {
	r.mu.Lock()
	r.custom[slug] = f
	r.mu.Unlock()
}

// Reload rebuilds the slug map from active catalog services. A
// service whose adapter cannot be built (missing credential env,
// bad base URL) is logged and left out, so its slug resolves as
// unknown rather than half-configured.
func (r *Registry) Reload(ctx context.Context) error {
	services, err := r.store.ListServices(ctx, true)
	if err != nil {
		return err
	}

	next := make(map[string]entry, len(services))
	for _, svc := range services {
		pricing, err := r.store.ListPricing(ctx, svc.ID)
		if err != nil {
			return err
		}

		adapter, err := r.build(svc, pricing)
		if err != nil {
			r.logger.Error("adapter construction failed", "service", svc.Slug, "error", err)
			continue
		}
		next[svc.Slug] = entry{adapter: adapter, service: svc}
	}

	r.mu.Lock()
	r.bySlug = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) build(svc *catalog.Service, pricing []*catalog.ServicePricing) (Adapter, error) {
	r.mu.RLock()
	factory := r.custom[svc.Slug]
	r.mu.RUnlock()

	if factory != nil && svc.Tier == catalog.TierCurated {
		return factory(svc, pricing)
	}
	return NewGenericHTTP(svc, pricing)
}

// Get returns the adapter and catalog row for a slug.
func (r *Registry) Get(slug string) (Adapter, *catalog.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.bySlug[slug]
	if !ok {
		return nil, nil, catalog.ErrServiceNotFound
	}
	return e.adapter, e.service, nil
}

// Slugs returns the registered slugs. Used by health reporting.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bySlug))
	for slug := range r.bySlug {
		out = append(out, slug)
	}
	return out
}

// Start reloads the registry on an interval until Stop is called.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
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
					r.logger.Error("adapter registry reload failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the reload loop. Call after Start.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}
