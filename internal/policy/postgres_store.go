package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists agent policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Get(ctx context.Context, agentID string) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, agent_id, max_per_call_sats, max_per_day_sats, max_balance_sats,
		       allowed_services, denied_services, allowed_capabilities, denied_capabilities,
		       kill_switch, updated_at
		FROM policies WHERE agent_id = $1
	`, agentID)

	pol := &Policy{}
	var perCall, perDay, maxBal sql.NullInt64
	var allowedSvc, deniedSvc, allowedCap, deniedCap pq.StringArray
	err := row.Scan(&pol.ID, &pol.AgentID, &perCall, &perDay, &maxBal,
		&allowedSvc, &deniedSvc, &allowedCap, &deniedCap,
		&pol.KillSwitch, &pol.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	pol.MaxPerCallSats = fromNullInt64(perCall)
	pol.MaxPerDaySats = fromNullInt64(perDay)
	pol.MaxBalanceSats = fromNullInt64(maxBal)
	pol.AllowedServices = fromArray(allowedSvc)
	pol.DeniedServices = fromArray(deniedSvc)
	pol.AllowedCapabilities = fromArray(allowedCap)
	pol.DeniedCapabilities = fromArray(deniedCap)
	return pol, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, pol *Policy) error {
	// agent_id is unique, so conflicts land on the existing row and the
	// original id survives replacements.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO policies (id, agent_id, max_per_call_sats, max_per_day_sats, max_balance_sats,
			allowed_services, denied_services, allowed_capabilities, denied_capabilities,
			kill_switch, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (agent_id) DO UPDATE SET
			max_per_call_sats = EXCLUDED.max_per_call_sats,
			max_per_day_sats = EXCLUDED.max_per_day_sats,
			max_balance_sats = EXCLUDED.max_balance_sats,
			allowed_services = EXCLUDED.allowed_services,
			denied_services = EXCLUDED.denied_services,
			allowed_capabilities = EXCLUDED.allowed_capabilities,
			denied_capabilities = EXCLUDED.denied_capabilities,
			kill_switch = EXCLUDED.kill_switch,
			updated_at = EXCLUDED.updated_at
	`, pol.ID, pol.AgentID,
		toNullInt64(pol.MaxPerCallSats), toNullInt64(pol.MaxPerDaySats), toNullInt64(pol.MaxBalanceSats),
		toArray(pol.AllowedServices), toArray(pol.DeniedServices),
		toArray(pol.AllowedCapabilities), toArray(pol.DeniedCapabilities),
		pol.KillSwitch, pol.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrPolicyNotFound
		}
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, agentID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM policies WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// toArray maps nil to SQL NULL. A non-nil empty list round-trips as an
// empty array; the two mean different things to the evaluator.
func toArray(v []string) interface{} {
	if v == nil {
		return nil
	}
	return pq.Array(v)
}

func fromArray(v pq.StringArray) []string {
	if v == nil {
		return nil
	}
	return []string(v)
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
