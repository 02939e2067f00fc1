package policy

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // by agent ID
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, agentID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[agentID]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Upsert(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	// An upsert keeps the row ID stable across replacements.
	if existing, ok := m.policies[p.AgentID]; ok && p.ID == "" {
		p.ID = existing.ID
	}
	m.policies[p.AgentID] = clone(p)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[agentID]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, agentID)
	return nil
}

// clone deep-copies a policy so callers can't mutate stored state.
func clone(p *Policy) *Policy {
	cp := *p
	cp.MaxPerCallSats = cloneInt64(p.MaxPerCallSats)
	cp.MaxPerDaySats = cloneInt64(p.MaxPerDaySats)
	cp.MaxBalanceSats = cloneInt64(p.MaxBalanceSats)
	cp.AllowedServices = cloneList(p.AllowedServices)
	cp.DeniedServices = cloneList(p.DeniedServices)
	cp.AllowedCapabilities = cloneList(p.AllowedCapabilities)
	cp.DeniedCapabilities = cloneList(p.DeniedCapabilities)
	return &cp
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneList(v []string) []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}
