// Package auth verifies API keys and session tokens and resolves them
// to a full caller identity (agent, account, wallet, policy).
//
// Verification is expensive: API keys cost a bcrypt compare per
// candidate and every caller needs four rows loaded. A small positive
// cache keyed by token hash absorbs the hot path; agent status is
// still re-read on every hit so suspended and killed agents lose
// access within one request.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/policy"
)

var (
	ErrNoCredentials      = errors.New("auth: credentials required")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Identity is the fully resolved caller.
type Identity struct {
	Agent   *account.Agent
	Account *account.Account
	Wallet  *ledger.Wallet
	Policy  *policy.Policy
}

// Authenticator resolves bearer tokens to identities.
type Authenticator struct {
	accounts account.Store
	ledger   *ledger.Ledger
	policies policy.Store
	sessions *Sessions
	logger   *slog.Logger
	cache    *identityCache
}

func NewAuthenticator(accounts account.Store, lgr *ledger.Ledger, policies policy.Store, sessions *Sessions, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		accounts: accounts,
		ledger:   lgr,
		policies: policies,
		sessions: sessions,
		logger:   logger,
		cache:    newIdentityCache(cacheMaxEntries, cacheTTL),
	}
}

// Authenticate verifies a raw token. API keys (sk_agt_ prefix)
// resolve to their agent; session tokens resolve to the account's
// primary agent.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoCredentials
	}

	key := cacheKey(token)
	if cached, ok := a.cache.get(key); ok {
		authCacheHits.Inc()
		// One-row freshness check: a cached identity must not outlive
		// a suspension or kill.
		agent, err := a.accounts.GetAgent(ctx, cached.Agent.ID)
		if err != nil || agent.Status != account.AgentActive {
			a.cache.invalidateAgent(cached.Agent.ID)
			return nil, ErrInvalidCredentials
		}
		cached.Agent = agent
		return cached, nil
	}
	authCacheMisses.Inc()

	var (
		identity *Identity
		err      error
	)
	if strings.HasPrefix(token, account.APIKeyScheme) {
		identity, err = a.authenticateAPIKey(ctx, token)
	} else {
		identity, err = a.authenticateSession(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	a.cache.put(key, identity)
	return identity, nil
}

// Invalidate drops every cached identity for an agent. Called on key
// rotation, status changes and policy mutations.
func (a *Authenticator) Invalidate(agentID string) {
	a.cache.invalidateAgent(agentID)
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, token string) (*Identity, error) {
	candidates, err := a.accounts.ListAgentsByKeyPrefix(ctx, account.KeyPrefix(token))
	if err != nil {
		a.logger.Error("api key prefix lookup failed", "error", err)
		return nil, ErrInvalidCredentials
	}

	for _, agent := range candidates {
		if !account.CheckAPIKey(agent.APIKeyHash, token) {
			continue
		}
		if agent.Status != account.AgentActive {
			return nil, ErrInvalidCredentials
		}
		return a.loadIdentity(ctx, agent)
	}
	return nil, ErrInvalidCredentials
}

func (a *Authenticator) authenticateSession(ctx context.Context, token string) (*Identity, error) {
	accountID, err := a.sessions.Verify(token)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	agent, err := a.accounts.PrimaryAgent(ctx, accountID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if agent.Status != account.AgentActive {
		return nil, ErrInvalidCredentials
	}
	return a.loadIdentity(ctx, agent)
}

func (a *Authenticator) loadIdentity(ctx context.Context, agent *account.Agent) (*Identity, error) {
	acc, err := a.accounts.GetAccount(ctx, agent.AccountID)
	if err != nil {
		a.logger.Error("account load failed", "agent_id", agent.ID, "error", err)
		return nil, ErrInvalidCredentials
	}
	wallet, err := a.ledger.GetWalletByAccount(ctx, agent.AccountID)
	if err != nil {
		a.logger.Error("wallet load failed", "account_id", agent.AccountID, "error", err)
		return nil, ErrInvalidCredentials
	}

	pol, err := a.policies.Get(ctx, agent.ID)
	if errors.Is(err, policy.ErrPolicyNotFound) {
		pol = policy.Default(agent.ID)
	} else if err != nil {
		a.logger.Error("policy load failed", "agent_id", agent.ID, "error", err)
		return nil, ErrInvalidCredentials
	}

	return &Identity{Agent: agent, Account: acc, Wallet: wallet, Policy: pol}, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
