// Package account manages billing accounts and the agents that act on
// their behalf. An account is created at signup with a wallet and a
// single primary agent; further worker agents can be spawned and
// deleted, but the primary agent lives as long as the account.
package account

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/saturn/internal/idgen"
	"github.com/mbd888/saturn/internal/ledger"
)

var (
	ErrAccountNotFound = errors.New("account: not found")
	ErrAgentNotFound   = errors.New("account: agent not found")
	ErrEmailTaken      = errors.New("account: email already registered")
	ErrPrimaryAgent    = errors.New("account: primary agent cannot be deleted")
)

// Role distinguishes the signup-created primary agent from worker agents.
type Role string

const (
	RolePrimary Role = "primary"
	RoleWorker  Role = "worker"
)

// AgentStatus is the lifecycle state of an agent's credentials.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentKilled    AgentStatus = "killed"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentSuspended, AgentKilled:
		return true
	}
	return false
}

// Account is a billing identity. Email and password authenticate the
// human owner; agents authenticate with API keys.
type Account struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	PasswordHash    string          `json:"-"`
	Name            string          `json:"name"`
	DefaultCurrency ledger.Currency `json:"defaultCurrency"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Agent is an API-key-bearing caller owned by an account. The raw key
// is shown once at creation; only its bcrypt hash and a SHA-256 prefix
// bucket are stored.
type Agent struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"accountId"`
	Name         string         `json:"name"`
	Role         Role           `json:"role"`
	Status       AgentStatus    `json:"status"`
	APIKeyHash   string         `json:"-"`
	APIKeyPrefix string         `json:"-"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// APIKeyScheme is the prefix every raw agent key carries.
const APIKeyScheme = "sk_agt_"

// NewAPIKey mints a raw agent key plus the two values that get stored:
// a bcrypt hash for verification and a 16-hex-char SHA-256 prefix used
// as a lookup bucket. The raw key is sk_agt_ + 64 hex chars, which
// keeps it under bcrypt's 72-byte input limit.
func NewAPIKey() (raw, hash, prefix string, err error) {
	raw = APIKeyScheme + idgen.Hex(32)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return raw, string(h), KeyPrefix(raw), nil
}

// KeyPrefix returns the lookup bucket for a raw key: the first 16 hex
// chars of its SHA-256. Not a secret; it narrows the bcrypt candidate
// set to a handful of rows.
func KeyPrefix(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// CheckAPIKey reports whether raw matches the stored bcrypt hash.
func CheckAPIKey(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// HashPassword bcrypt-hashes an account password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
