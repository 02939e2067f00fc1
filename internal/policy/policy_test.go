package policy

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr string
	}{
		{
			name:   "unconstrained",
			policy: Policy{AgentID: "agt_1"},
		},
		{
			name: "full policy",
			policy: Policy{
				AgentID:             "agt_1",
				MaxPerCallSats:      i64(100),
				MaxPerDaySats:       i64(1000),
				MaxBalanceSats:      i64(100000),
				AllowedServices:     []string{"openai", "anthropic"},
				DeniedServices:      []string{"sketchy-api"},
				AllowedCapabilities: []string{"llm"},
				DeniedCapabilities:  []string{"tts"},
			},
		},
		{
			name:    "negative cap",
			policy:  Policy{AgentID: "agt_1", MaxPerCallSats: i64(-1)},
			wantErr: "maxPerCallSats",
		},
		{
			name:    "invalid list entry",
			policy:  Policy{AgentID: "agt_1", DeniedServices: []string{"Not A Slug"}},
			wantErr: "deniedServices",
		},
		{
			name: "too many entries",
			policy: Policy{
				AgentID:         "agt_1",
				AllowedServices: manySlugs(101),
			},
			wantErr: "too many entries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
			}
		})
	}
}

func manySlugs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "svc-" + strings.Repeat("a", 1+i%5)
	}
	return out
}

func TestDefault(t *testing.T) {
	p := Default("agt_1")
	assert.Equal(t, "agt_1", p.AgentID)
	assert.Nil(t, p.MaxPerCallSats)
	assert.Nil(t, p.AllowedServices)
	assert.False(t, p.KillSwitch)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "agt_1")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	pol := &Policy{
		ID:             "pol_a",
		AgentID:        "agt_1",
		MaxPerCallSats: i64(100),
		DeniedServices: []string{"sketchy-api"},
	}
	require.NoError(t, store.Upsert(ctx, pol))

	got, err := store.Get(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "pol_a", got.ID)
	assert.Equal(t, int64(100), *got.MaxPerCallSats)
	assert.False(t, got.UpdatedAt.IsZero())

	// Mutating the returned copy doesn't touch the stored row.
	*got.MaxPerCallSats = 999
	got.DeniedServices[0] = "mutated"
	again, _ := store.Get(ctx, "agt_1")
	assert.Equal(t, int64(100), *again.MaxPerCallSats)
	assert.Equal(t, "sketchy-api", again.DeniedServices[0])

	// Replacement without an ID keeps the original row ID.
	require.NoError(t, store.Upsert(ctx, &Policy{AgentID: "agt_1", KillSwitch: true}))
	got, _ = store.Get(ctx, "agt_1")
	assert.Equal(t, "pol_a", got.ID)
	assert.True(t, got.KillSwitch)
	assert.Nil(t, got.MaxPerCallSats, "replace clears caps")

	require.NoError(t, store.Delete(ctx, "agt_1"))
	assert.ErrorIs(t, store.Delete(ctx, "agt_1"), ErrPolicyNotFound)
}
