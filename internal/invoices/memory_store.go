package invoices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/pagination"
)

// MemoryStore is an in-memory invoice store for development and tests.
type MemoryStore struct {
	invoices []*Invoice
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

// Insert stores one pending invoice. The r_hash must be unique.
func (m *MemoryStore) Insert(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.invoices {
		if existing.RHash == inv.RHash {
			return fmt.Errorf("invoice r_hash already exists")
		}
	}
	cp := *inv
	m.invoices = append(m.invoices, &cp)
	return nil
}

// ClaimSettled flips one pending invoice to settled and returns it.
func (m *MemoryStore) ClaimSettled(_ context.Context, rHash string, settledAt time.Time) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inv := range m.invoices {
		if inv.RHash != rHash {
			continue
		}
		if inv.Status != StatusPending {
			return nil, nil
		}
		inv.Status = StatusSettled
		at := settledAt
		inv.SettledAt = &at
		cp := *inv
		return &cp, nil
	}
	return nil, nil
}

// ExpirePending marks pending invoices past their expiry as expired.
func (m *MemoryStore) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, inv := range m.invoices {
		if inv.Status == StatusPending && inv.ExpiresAt.Before(now) {
			inv.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

// ListByAccount returns one page of an account's invoices, newest first.
func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, opts ListOptions) ([]*Invoice, string, error) {
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	var matched []*Invoice
	for _, inv := range m.invoices {
		if inv.AccountID != accountID {
			continue
		}
		if cursor != nil {
			if inv.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if inv.CreatedAt.Equal(cursor.CreatedAt) && inv.ID >= cursor.ID {
				continue
			}
		}
		cp := *inv
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
	page, next, _ := pagination.ComputePage(matched, opts.Limit, func(inv *Invoice) (time.Time, string) {
		return inv.CreatedAt, inv.ID
	})
	return page, next, nil
}

// GetByRHash returns a copy of the invoice with the given r_hash
// (for tests).
func (m *MemoryStore) GetByRHash(rHash string) *Invoice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inv := range m.invoices {
		if inv.RHash == rHash {
			cp := *inv
			return &cp
		}
	}
	return nil
}
