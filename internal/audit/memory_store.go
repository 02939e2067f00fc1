package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/pagination"
)

// MemoryStore is an in-memory audit store for development and tests.
type MemoryStore struct {
	entries []*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends one entry.
func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

// List returns one page of an account's entries, newest first.
func (m *MemoryStore) List(_ context.Context, accountID string, opts ListOptions) ([]*Entry, string, error) {
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	var matched []*Entry
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		if opts.AgentID != "" && e.AgentID != opts.AgentID {
			continue
		}
		if cursor != nil {
			if e.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		matched = append(matched, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if len(matched) > opts.Limit+1 {
		matched = matched[:opts.Limit+1]
	}
	page, next, _ := pagination.ComputePage(matched, opts.Limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// DailySpend sums charged_sats over allowed entries since the given time.
func (m *MemoryStore) DailySpend(_ context.Context, agentID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.entries {
		if e.AgentID != agentID || e.PolicyResult != ResultAllowed {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		total += e.ChargedSats
	}
	return total, nil
}

// Entries returns a copy of all stored entries (for tests).
func (m *MemoryStore) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}
