package account

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/saturn/internal/ledger"
)

func TestNewAPIKey(t *testing.T) {
	raw, hash, prefix, err := NewAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "sk_agt_"))
	assert.Len(t, raw, len("sk_agt_")+64)
	assert.Len(t, prefix, 16)
	assert.Equal(t, KeyPrefix(raw), prefix)

	assert.True(t, CheckAPIKey(hash, raw))
	assert.False(t, CheckAPIKey(hash, "sk_agt_"+strings.Repeat("0", 64)))

	// Two keys never collide.
	raw2, _, _, err := NewAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)
	assert.True(t, CheckPassword(hash, "hunter22"))
	assert.False(t, CheckPassword(hash, "hunter23"))
}

func testAccount(id, email string) (*Account, *Agent) {
	acc := &Account{
		ID:              id,
		Email:           email,
		PasswordHash:    "x",
		Name:            "Test",
		DefaultCurrency: ledger.CurrencyUSDCents,
	}
	primary := &Agent{
		ID:           "agt_" + id,
		AccountID:    id,
		Name:         "Test",
		Role:         RolePrimary,
		Status:       AgentActive,
		APIKeyHash:   "h",
		APIKeyPrefix: "aaaabbbbccccdddd",
	}
	return acc, primary
}

func TestMemoryStoreAccounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	acc, primary := testAccount("acc_1", "a@example.com")
	require.NoError(t, store.CreateAccount(ctx, acc, primary))

	got, err := store.GetAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)

	// Email lookup is case-insensitive.
	got, err = store.GetAccountByEmail(ctx, "A@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "acc_1", got.ID)

	dup, dupAgent := testAccount("acc_2", "A@EXAMPLE.com")
	assert.ErrorIs(t, store.CreateAccount(ctx, dup, dupAgent), ErrEmailTaken)

	_, err = store.GetAccount(ctx, "acc_nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, store.SetDefaultCurrency(ctx, "acc_1", ledger.CurrencySats))
	got, _ = store.GetAccount(ctx, "acc_1")
	assert.Equal(t, ledger.CurrencySats, got.DefaultCurrency)
}

func TestMemoryStoreAgents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	acc, primary := testAccount("acc_1", "a@example.com")
	require.NoError(t, store.CreateAccount(ctx, acc, primary))

	worker := &Agent{
		ID:           "agt_w1",
		AccountID:    "acc_1",
		Name:         "scraper",
		Role:         RoleWorker,
		Status:       AgentActive,
		APIKeyHash:   "h2",
		APIKeyPrefix: "1111222233334444",
	}
	require.NoError(t, store.CreateAgent(ctx, worker))

	agents, err := store.ListAgents(ctx, "acc_1")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, RolePrimary, agents[0].Role, "primary sorts first")

	p, err := store.PrimaryAgent(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, primary.ID, p.ID)

	byPrefix, err := store.ListAgentsByKeyPrefix(ctx, "1111222233334444")
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, "agt_w1", byPrefix[0].ID)

	require.NoError(t, store.SetAgentStatus(ctx, "agt_w1", AgentKilled))
	got, _ := store.GetAgent(ctx, "agt_w1")
	assert.Equal(t, AgentKilled, got.Status)

	require.NoError(t, store.UpdateAgentKey(ctx, "agt_w1", "h3", "5555666677778888"))
	got, _ = store.GetAgent(ctx, "agt_w1")
	assert.Equal(t, "h3", got.APIKeyHash)
	assert.Equal(t, "5555666677778888", got.APIKeyPrefix)

	// Deleting the primary is refused; deleting a worker sticks.
	assert.ErrorIs(t, store.DeleteAgent(ctx, primary.ID), ErrPrimaryAgent)
	require.NoError(t, store.DeleteAgent(ctx, "agt_w1"))
	_, err = store.GetAgent(ctx, "agt_w1")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	// Agents need an existing account.
	orphan := &Agent{ID: "agt_o", AccountID: "acc_nope", Role: RoleWorker, Status: AgentActive}
	assert.ErrorIs(t, store.CreateAgent(ctx, orphan), ErrAccountNotFound)
}
