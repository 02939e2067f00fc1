package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store defines the persistence interface for the catalog
type Store interface {
	// Services
	CreateService(ctx context.Context, svc *Service) error
	UpdateService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	GetServiceBySlug(ctx context.Context, slug string) (*Service, error)
	ListServices(ctx context.Context, activeOnly bool) ([]*Service, error)

	// Pricing. SetPricing replaces all rows for the service.
	SetPricing(ctx context.Context, serviceID string, rows []*ServicePricing) error
	GetPricing(ctx context.Context, serviceID, operation string) (*ServicePricing, error)
	ListPricing(ctx context.Context, serviceID string) ([]*ServicePricing, error)
	ListAllPricing(ctx context.Context) ([]*ServicePricing, error)
	UpdatePriceSats(ctx context.Context, pricingID string, priceSats int64) error

	// Capability routes. SetCapabilities replaces all routes for the service.
	SetCapabilities(ctx context.Context, serviceID string, routes []*CapabilityRoute) error
	ListCapabilityRoutes(ctx context.Context) ([]*CapabilityRoute, error)
}

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*Service          // id -> service
	bySlug   map[string]string            // slug -> id
	pricing  map[string][]*ServicePricing // serviceID -> rows
	routes   map[string][]*CapabilityRoute
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]*Service),
		bySlug:   make(map[string]string),
		pricing:  make(map[string][]*ServicePricing),
		routes:   make(map[string][]*CapabilityRoute),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateService(_ context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySlug[svc.Slug]; exists {
		return ErrSlugTaken
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	cp := *svc
	m.services[svc.ID] = &cp
	m.bySlug[svc.Slug] = svc.ID
	return nil
}

func (m *MemoryStore) UpdateService(_ context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.services[svc.ID]
	if !exists {
		return ErrServiceNotFound
	}
	if old.Slug != svc.Slug {
		if _, taken := m.bySlug[svc.Slug]; taken {
			return ErrSlugTaken
		}
		delete(m.bySlug, old.Slug)
		m.bySlug[svc.Slug] = svc.ID
	}
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *MemoryStore) GetService(_ context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, exists := m.services[id]
	if !exists {
		return nil, ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

func (m *MemoryStore) GetServiceBySlug(_ context.Context, slug string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.bySlug[slug]
	if !exists {
		return nil, ErrServiceNotFound
	}
	cp := *m.services[id]
	return &cp, nil
}

func (m *MemoryStore) ListServices(_ context.Context, activeOnly bool) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Service
	for _, svc := range m.services {
		if activeOnly && !svc.Active() {
			continue
		}
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) SetPricing(_ context.Context, serviceID string, rows []*ServicePricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[serviceID]; !exists {
		return ErrServiceNotFound
	}
	cps := make([]*ServicePricing, len(rows))
	for i, r := range rows {
		cp := *r
		cp.ServiceID = serviceID
		cps[i] = &cp
	}
	m.pricing[serviceID] = cps
	return nil
}

func (m *MemoryStore) GetPricing(_ context.Context, serviceID, operation string) (*ServicePricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.pricing[serviceID] {
		if r.Operation == operation {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrPricingNotFound
}

func (m *MemoryStore) ListPricing(_ context.Context, serviceID string) ([]*ServicePricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.pricing[serviceID]
	out := make([]*ServicePricing, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListAllPricing(_ context.Context) ([]*ServicePricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ServicePricing
	for _, rows := range m.pricing {
		for _, r := range rows {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePriceSats(_ context.Context, pricingID string, priceSats int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rows := range m.pricing {
		for _, r := range rows {
			if r.ID == pricingID {
				r.PriceSats = priceSats
				return nil
			}
		}
	}
	return ErrPricingNotFound
}

func (m *MemoryStore) SetCapabilities(_ context.Context, serviceID string, routes []*CapabilityRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[serviceID]; !exists {
		return ErrServiceNotFound
	}
	cps := make([]*CapabilityRoute, len(routes))
	for i, r := range routes {
		cp := *r
		cp.ServiceID = serviceID
		cps[i] = &cp
	}
	m.routes[serviceID] = cps
	return nil
}

func (m *MemoryStore) ListCapabilityRoutes(_ context.Context) ([]*CapabilityRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CapabilityRoute
	for _, routes := range m.routes {
		for _, r := range routes {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
