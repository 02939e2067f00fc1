package policy

import "context"

// Store persists agent policies, one row per agent. Get returns
// ErrPolicyNotFound for agents that never had rules written; callers
// fall back to Default.
type Store interface {
	Get(ctx context.Context, agentID string) (*Policy, error)
	// Upsert writes the policy keyed by agent_id, replacing any
	// existing row.
	Upsert(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, agentID string) error
}
