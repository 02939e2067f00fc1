package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// It mirrors the conditional-update semantics of the Postgres store:
// a hold, settle or release either applies atomically or fails.
type MemoryStore struct {
	wallets   map[string]*Wallet
	byAccount map[string]string // account_id -> wallet_id
	txns      []*Transaction
	creditRef map[string]*Transaction // "refType|refID" -> original credit
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*Wallet),
		byAccount: make(map[string]string),
		txns:      make([]*Transaction, 0),
		creditRef: make(map[string]*Transaction),
	}
}

func creditRefKey(refType, refID string) string {
	return refType + "|" + refID
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.wallets[w.ID] = &cp
	m.byAccount[w.AccountID] = w.ID
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAccount[accountID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, req CreditRequest, txn *Transaction) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if orig, ok := m.creditRef[creditRefKey(req.ReferenceType, req.ReferenceID)]; ok {
		cp := *orig
		return &cp, nil
	}

	w, ok := m.wallets[req.WalletID]
	if !ok {
		return nil, ErrWalletNotFound
	}

	if req.Currency == CurrencySats {
		if req.MaxBalanceSats > 0 && w.BalanceSats+w.HeldSats+req.Amount > req.MaxBalanceSats {
			return nil, ErrBalanceCapExceeded
		}
		w.BalanceSats += req.Amount
		w.LifetimeInSats += req.Amount
	} else {
		w.BalanceUSDCents += req.Amount
		w.LifetimeInUSDCents += req.Amount
	}
	w.UpdatedAt = time.Now().UTC()

	txn.BalanceAfterSats = w.BalanceSats
	txn.BalanceAfterUSDCents = w.BalanceUSDCents
	cp := *txn
	m.txns = append(m.txns, &cp)
	m.creditRef[creditRefKey(req.ReferenceType, req.ReferenceID)] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) Hold(ctx context.Context, walletID string, c Currency, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrInsufficientBalance
	}

	if c == CurrencySats {
		if w.BalanceSats < amount {
			return ErrInsufficientBalance
		}
		w.BalanceSats -= amount
		w.HeldSats += amount
	} else {
		if w.BalanceUSDCents < amount {
			return ErrInsufficientBalance
		}
		w.BalanceUSDCents -= amount
		w.HeldUSDCents += amount
	}
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, hold Hold, final int64, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[hold.WalletID]
	if !ok {
		return ErrHeldMismatch
	}

	if hold.Currency == CurrencySats {
		if w.HeldSats < hold.Amount {
			return ErrHeldMismatch
		}
		w.HeldSats -= hold.Amount
		w.BalanceSats += hold.Amount - final
		w.LifetimeOutSats += final
	} else {
		if w.HeldUSDCents < hold.Amount {
			return ErrHeldMismatch
		}
		w.HeldUSDCents -= hold.Amount
		w.BalanceUSDCents += hold.Amount - final
		w.LifetimeOutUSDCents += final
	}
	w.UpdatedAt = time.Now().UTC()

	txn.BalanceAfterSats = w.BalanceSats
	txn.BalanceAfterUSDCents = w.BalanceUSDCents
	cp := *txn
	m.txns = append(m.txns, &cp)
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, hold Hold, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[hold.WalletID]
	if !ok {
		return ErrHeldMismatch
	}

	if hold.Currency == CurrencySats {
		if w.HeldSats < hold.Amount {
			return ErrHeldMismatch
		}
		w.HeldSats -= hold.Amount
		w.BalanceSats += hold.Amount
	} else {
		if w.HeldUSDCents < hold.Amount {
			return ErrHeldMismatch
		}
		w.HeldUSDCents -= hold.Amount
		w.BalanceUSDCents += hold.Amount
	}
	w.UpdatedAt = time.Now().UTC()

	txn.BalanceAfterSats = w.BalanceSats
	txn.BalanceAfterUSDCents = w.BalanceUSDCents
	cp := *txn
	m.txns = append(m.txns, &cp)
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, opts ListOptions) ([]*Transaction, string, error) {
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	var matched []*Transaction
	for _, t := range m.txns {
		if t.WalletID != walletID {
			continue
		}
		if cursor != nil {
			if t.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(cursor.CreatedAt) && t.ID >= cursor.ID {
				continue
			}
		}
		cp := *t
		matched = append(matched, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > opts.Limit+1 {
		matched = matched[:opts.Limit+1]
	}
	page, next, _ := pagination.ComputePage(matched, opts.Limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}
