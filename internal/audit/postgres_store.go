package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/saturn/internal/pagination"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, agent_id, account_id, service_slug, COALESCE(capability, ''),
	operation, policy_result, COALESCE(denial_reason, ''),
	COALESCE(quoted_sats, 0), COALESCE(quoted_usd_cents, 0),
	COALESCE(charged_sats, 0), COALESCE(charged_usd_cents, 0),
	COALESCE(upstream_status, 0), COALESCE(latency_ms, 0), COALESCE(error, ''),
	request_snapshot, response_snapshot, created_at`

// Insert writes one entry. Entries are append-only; there is no update.
func (p *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	reqSnap, err := marshalSnapshot(e.RequestSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal request snapshot: %w", err)
	}
	respSnap, err := marshalSnapshot(e.ResponseSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal response snapshot: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, agent_id, account_id, service_slug, capability, operation,
			policy_result, denial_reason, quoted_sats, quoted_usd_cents,
			charged_sats, charged_usd_cents, upstream_status, latency_ms,
			error, request_snapshot, response_snapshot, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		e.ID, e.AgentID, e.AccountID, e.ServiceSlug,
		nullString(e.Capability), e.Operation,
		string(e.PolicyResult), nullString(e.DenialReason),
		e.QuotedSats, e.QuotedUSDCents, e.ChargedSats, e.ChargedUSDCents,
		nullInt(int64(e.UpstreamStatus)), nullInt(e.LatencyMs),
		nullString(e.Error), reqSnap, respSnap, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// List returns one page of an account's entries, newest first.
func (p *PostgresStore) List(ctx context.Context, accountID string, opts ListOptions) ([]*Entry, string, error) {
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + entryColumns + ` FROM audit_logs WHERE account_id = $1`
	args := []interface{}{accountID}

	if opts.AgentID != "" {
		args = append(args, opts.AgentID)
		query += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, opts.Limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to read audit entries: %w", err)
	}

	page, next, _ := pagination.ComputePage(entries, opts.Limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// DailySpend sums charged_sats over allowed entries since the given time.
func (p *PostgresStore) DailySpend(ctx context.Context, agentID string, since time.Time) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(charged_sats), 0)
		FROM audit_logs
		WHERE agent_id = $1 AND policy_result = 'allowed' AND created_at >= $2
	`, agentID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute daily spend: %w", err)
	}
	return total, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	e := &Entry{}
	var result string
	var upstreamStatus int64
	var reqSnap, respSnap []byte
	err := rows.Scan(
		&e.ID, &e.AgentID, &e.AccountID, &e.ServiceSlug, &e.Capability,
		&e.Operation, &result, &e.DenialReason,
		&e.QuotedSats, &e.QuotedUSDCents, &e.ChargedSats, &e.ChargedUSDCents,
		&upstreamStatus, &e.LatencyMs, &e.Error,
		&reqSnap, &respSnap, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	e.PolicyResult = PolicyResult(result)
	e.UpstreamStatus = int(upstreamStatus)
	if len(reqSnap) > 0 {
		_ = json.Unmarshal(reqSnap, &e.RequestSnapshot)
	}
	if len(respSnap) > 0 {
		_ = json.Unmarshal(respSnap, &e.ResponseSnapshot)
	}
	return e, nil
}

func marshalSnapshot(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
