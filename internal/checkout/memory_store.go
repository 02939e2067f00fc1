package checkout

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for development and tests.
type MemoryStore struct {
	sessions []*Session
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

// Insert stores one pending session. The provider session ID must be
// unique.
func (m *MemoryStore) Insert(_ context.Context, cs *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.ProviderSessionID == cs.ProviderSessionID {
			return fmt.Errorf("provider session id already exists")
		}
	}
	cp := *cs
	m.sessions = append(m.sessions, &cp)
	return nil
}

// ClaimCompleted flips one pending session to completed and returns it.
func (m *MemoryStore) ClaimCompleted(_ context.Context, providerSessionID string, completedAt time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cs := range m.sessions {
		if cs.ProviderSessionID != providerSessionID {
			continue
		}
		if cs.Status != StatusPending {
			return nil, nil
		}
		cs.Status = StatusCompleted
		at := completedAt
		cs.CompletedAt = &at
		cp := *cs
		return &cp, nil
	}
	return nil, nil
}

// MarkExpired flips a pending session to expired.
func (m *MemoryStore) MarkExpired(_ context.Context, providerSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cs := range m.sessions {
		if cs.ProviderSessionID == providerSessionID && cs.Status == StatusPending {
			cs.Status = StatusExpired
		}
	}
	return nil
}

// ExpireStale marks pending sessions created before the cutoff expired.
func (m *MemoryStore) ExpireStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, cs := range m.sessions {
		if cs.Status == StatusPending && cs.CreatedAt.Before(cutoff) {
			cs.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

// GetByProviderSession returns a copy of the matching session (for
// tests).
func (m *MemoryStore) GetByProviderSession(providerSessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cs := range m.sessions {
		if cs.ProviderSessionID == providerSessionID {
			cp := *cs
			return &cp
		}
	}
	return nil
}
