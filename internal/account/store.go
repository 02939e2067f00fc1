package account

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/saturn/internal/ledger"
)

// Store defines persistence for accounts and agents.
type Store interface {
	// CreateAccount persists a new account together with its primary
	// agent. Returns ErrEmailTaken if the email is already registered.
	CreateAccount(ctx context.Context, acc *Account, primary *Agent) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	SetDefaultCurrency(ctx context.Context, accountID string, cur ledger.Currency) error
	// PromoteDefaultCurrency flips default_currency from one value to
	// another in a single conditional update. Returns false when the
	// account is missing or no longer carries the from value.
	PromoteDefaultCurrency(ctx context.Context, accountID string, from, to ledger.Currency) (bool, error)

	CreateAgent(ctx context.Context, ag *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, accountID string) ([]*Agent, error)
	// ListAgentsByKeyPrefix returns the bcrypt candidate set for an
	// api_key_prefix bucket.
	ListAgentsByKeyPrefix(ctx context.Context, prefix string) ([]*Agent, error)
	PrimaryAgent(ctx context.Context, accountID string) (*Agent, error)
	SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error
	UpdateAgentKey(ctx context.Context, agentID, keyHash, keyPrefix string) error
	// DeleteAgent removes a worker agent. Returns ErrPrimaryAgent for
	// the primary.
	DeleteAgent(ctx context.Context, agentID string) error
}

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byEmail  map[string]string // lowercased email -> account id
	agents   map[string]*Agent
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byEmail:  make(map[string]string),
		agents:   make(map[string]*Agent),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAccount(_ context.Context, acc *Account, primary *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(acc.Email)
	if _, exists := m.byEmail[email]; exists {
		return ErrEmailTaken
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if primary.CreatedAt.IsZero() {
		primary.CreatedAt = now
	}
	ac := *acc
	ag := *primary
	m.accounts[acc.ID] = &ac
	m.byEmail[email] = acc.ID
	m.agents[primary.ID] = &ag
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) SetDefaultCurrency(_ context.Context, accountID string, cur ledger.Currency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acc.DefaultCurrency = cur
	return nil
}

func (m *MemoryStore) PromoteDefaultCurrency(_ context.Context, accountID string, from, to ledger.Currency) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok || acc.DefaultCurrency != from {
		return false, nil
	}
	acc.DefaultCurrency = to
	return true, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, ag *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[ag.AccountID]; !exists {
		return ErrAccountNotFound
	}
	if ag.CreatedAt.IsZero() {
		ag.CreatedAt = time.Now().UTC()
	}
	cp := *ag
	m.agents[ag.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ag, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *ag
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context, accountID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, ag := range m.agents {
		if ag.AccountID == accountID {
			cp := *ag
			out = append(out, &cp)
		}
	}
	// Primary first, then workers oldest first.
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Role == RolePrimary) != (out[j].Role == RolePrimary) {
			return out[i].Role == RolePrimary
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListAgentsByKeyPrefix(_ context.Context, prefix string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, ag := range m.agents {
		if ag.APIKeyPrefix == prefix {
			cp := *ag
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PrimaryAgent(_ context.Context, accountID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ag := range m.agents {
		if ag.AccountID == accountID && ag.Role == RolePrimary {
			cp := *ag
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) SetAgentStatus(_ context.Context, agentID string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ag, ok := m.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	ag.Status = status
	return nil
}

func (m *MemoryStore) UpdateAgentKey(_ context.Context, agentID, keyHash, keyPrefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ag, ok := m.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	ag.APIKeyHash = keyHash
	ag.APIKeyPrefix = keyPrefix
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ag, ok := m.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if ag.Role == RolePrimary {
		return ErrPrimaryAgent
	}
	delete(m.agents, agentID)
	return nil
}
