package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore counts prefix lookups so tests can observe whether a
// verification hit the cache or did the full bcrypt walk.
type countingStore struct {
	account.Store
	mu          sync.Mutex
	prefixCalls int
}

func (s *countingStore) ListAgentsByKeyPrefix(ctx context.Context, prefix string) ([]*account.Agent, error) {
	s.mu.Lock()
	s.prefixCalls++
	s.mu.Unlock()
	return s.Store.ListAgentsByKeyPrefix(ctx, prefix)
}

func (s *countingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefixCalls
}

type authFixture struct {
	accounts *countingStore
	raw      *account.MemoryStore
	ledger   *ledger.Ledger
	policies *policy.MemoryStore
	sessions *Sessions
	auth     *Authenticator

	accountID string
	agentID   string
	apiKey    string
}

func setupAuth(t *testing.T) *authFixture {
	t.Helper()

	raw := account.NewMemoryStore()
	accounts := &countingStore{Store: raw}
	lgr := ledger.New(ledger.NewMemoryStore(), testLogger())
	policies := policy.NewMemoryStore()
	sessions := NewSessions([]byte("test-session-secret"))

	f := &authFixture{
		accounts:  accounts,
		raw:       raw,
		ledger:    lgr,
		policies:  policies,
		sessions:  sessions,
		auth:      NewAuthenticator(accounts, lgr, policies, sessions, testLogger()),
		accountID: "acc_auth",
		agentID:   "agt_auth",
	}

	rawKey, hash, prefix, err := account.NewAPIKey()
	require.NoError(t, err)
	f.apiKey = rawKey

	err = raw.CreateAccount(context.Background(),
		&account.Account{ID: f.accountID, Email: "auth@example.com", DefaultCurrency: ledger.CurrencyUSDCents},
		&account.Agent{ID: f.agentID, AccountID: f.accountID, Name: "primary", Role: account.RolePrimary,
			Status: account.AgentActive, APIKeyHash: hash, APIKeyPrefix: prefix})
	require.NoError(t, err)

	_, err = lgr.CreateWallet(context.Background(), f.accountID)
	require.NoError(t, err)
	return f
}

func TestAuthenticateAPIKey(t *testing.T) {
	f := setupAuth(t)

	identity, err := f.auth.Authenticate(context.Background(), f.apiKey)
	require.NoError(t, err)
	assert.Equal(t, f.agentID, identity.Agent.ID)
	assert.Equal(t, f.accountID, identity.Account.ID)
	assert.NotNil(t, identity.Wallet)
	assert.Equal(t, f.agentID, identity.Policy.AgentID, "missing policy row falls back to the default")
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	f := setupAuth(t)

	_, err := f.auth.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = f.auth.Authenticate(context.Background(), "sk_agt_"+"0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.auth.Authenticate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateRejectsInactiveAgent(t *testing.T) {
	f := setupAuth(t)
	require.NoError(t, f.raw.SetAgentStatus(context.Background(), f.agentID, account.AgentSuspended))

	_, err := f.auth.Authenticate(context.Background(), f.apiKey)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateUsesCache(t *testing.T) {
	f := setupAuth(t)

	_, err := f.auth.Authenticate(context.Background(), f.apiKey)
	require.NoError(t, err)
	_, err = f.auth.Authenticate(context.Background(), f.apiKey)
	require.NoError(t, err)

	assert.Equal(t, 1, f.accounts.calls(), "second verification should come from the cache")
}

func TestCachedIdentityLosesAccessOnSuspension(t *testing.T) {
	f := setupAuth(t)

	_, err := f.auth.Authenticate(context.Background(), f.apiKey)
	require.NoError(t, err)

	// Suspend without touching the cache.
	require.NoError(t, f.raw.SetAgentStatus(context.Background(), f.agentID, account.AgentKilled))

	_, err = f.auth.Authenticate(context.Background(), f.apiKey)
	assert.ErrorIs(t, err, ErrInvalidCredentials, "status is re-read on every cache hit")
}

func TestInvalidateDropsCachedKey(t *testing.T) {
	f := setupAuth(t)

	_, err := f.auth.Authenticate(context.Background(), f.apiKey)
	require.NoError(t, err)

	// Rotate the key behind the cache's back.
	_, newHash, newPrefix, err := account.NewAPIKey()
	require.NoError(t, err)
	require.NoError(t, f.raw.UpdateAgentKey(context.Background(), f.agentID, newHash, newPrefix))

	// Still cached, so the old key would keep working without the
	// invalidation hook.
	_, err = f.auth.Authenticate(context.Background(), f.apiKey)
	require.NoError(t, err)

	f.auth.Invalidate(f.agentID)
	_, err = f.auth.Authenticate(context.Background(), f.apiKey)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateSessionToken(t *testing.T) {
	f := setupAuth(t)

	token, err := f.sessions.Issue(f.accountID, time.Hour)
	require.NoError(t, err)

	identity, err := f.auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, f.agentID, identity.Agent.ID, "session callers act as the primary agent")
	assert.Equal(t, account.RolePrimary, identity.Agent.Role)
}

func TestAuthenticateSessionUnknownAccount(t *testing.T) {
	f := setupAuth(t)

	token, err := f.sessions.Issue("acc_ghost", time.Hour)
	require.NoError(t, err)

	_, err = f.auth.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateLoadsStoredPolicy(t *testing.T) {
	f := setupAuth(t)

	perCall := int64(500)
	require.NoError(t, f.policies.Upsert(context.Background(), &policy.Policy{
		ID: "pol_1", AgentID: f.agentID, MaxPerCallSats: &perCall,
	}))

	identity, err := f.auth.Authenticate(context.Background(), f.apiKey)
	require.NoError(t, err)
	require.NotNil(t, identity.Policy.MaxPerCallSats)
	assert.Equal(t, perCall, *identity.Policy.MaxPerCallSats)
}

func TestSessionsVerify(t *testing.T) {
	s := NewSessions([]byte("secret-a"))

	token, err := s.Issue("acc_1", time.Hour)
	require.NoError(t, err)

	accountID, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acc_1", accountID)

	// Wrong signing secret.
	other := NewSessions([]byte("secret-b"))
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	// Garbage.
	_, err = s.Verify("nonsense.token.here")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessionsExpiry(t *testing.T) {
	s := NewSessions([]byte("secret"))
	base := time.Now()
	s.now = func() time.Time { return base }

	token, err := s.Issue("acc_1", time.Minute)
	require.NoError(t, err)

	// Inside TTL plus leeway.
	s.now = func() time.Time { return base.Add(time.Minute + 10*time.Second) }
	_, err = s.Verify(token)
	assert.NoError(t, err)

	// Past the leeway.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestIdentityCacheEviction(t *testing.T) {
	c := newIdentityCache(3, time.Minute)
	identity := func(agentID string) *Identity {
		return &Identity{Agent: &account.Agent{ID: agentID}}
	}

	c.put("k1", identity("a1"))
	c.put("k2", identity("a2"))
	c.put("k3", identity("a3"))
	c.put("k4", identity("a4"))

	_, ok := c.get("k1")
	assert.False(t, ok, "oldest insertion is evicted first")
	_, ok = c.get("k4")
	assert.True(t, ok)
	assert.Equal(t, 3, c.len())
}

func TestIdentityCacheTTL(t *testing.T) {
	c := newIdentityCache(10, 10*time.Millisecond)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.put("k", &Identity{Agent: &account.Agent{ID: "a"}})
	_, ok := c.get("k")
	assert.True(t, ok)

	c.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	_, ok = c.get("k")
	assert.False(t, ok)
}

func TestIdentityCacheInvalidateAgent(t *testing.T) {
	c := newIdentityCache(10, time.Minute)
	c.put("k1", &Identity{Agent: &account.Agent{ID: "a1"}})
	c.put("k2", &Identity{Agent: &account.Agent{ID: "a1"}})
	c.put("k3", &Identity{Agent: &account.Agent{ID: "a2"}})

	c.invalidateAgent("a1")

	_, ok := c.get("k1")
	assert.False(t, ok)
	_, ok = c.get("k2")
	assert.False(t, ok)
	_, ok = c.get("k3")
	assert.True(t, ok)
}
