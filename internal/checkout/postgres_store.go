package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists checkout sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const sessionColumns = `id, account_id, wallet_id, provider_session_id,
	amount_usd_cents, status, created_at, completed_at`

func (p *PostgresStore) Insert(ctx context.Context, cs *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (id, account_id, wallet_id,
			provider_session_id, amount_usd_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cs.ID, cs.AccountID, cs.WalletID, cs.ProviderSessionID,
		cs.AmountUSDCents, string(cs.Status), cs.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("provider session id already exists")
		}
		return fmt.Errorf("failed to insert checkout session: %w", err)
	}
	return nil
}

func (p *PostgresStore) ClaimCompleted(ctx context.Context, providerSessionID string, completedAt time.Time) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE checkout_sessions SET status = 'completed', completed_at = $2
		WHERE provider_session_id = $1 AND status = 'pending'
		RETURNING `+sessionColumns, providerSessionID, completedAt)

	cs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim checkout session: %w", err)
	}
	return cs, nil
}

func (p *PostgresStore) MarkExpired(ctx context.Context, providerSessionID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = 'expired'
		WHERE provider_session_id = $1 AND status = 'pending'
	`, providerSessionID)
	if err != nil {
		return fmt.Errorf("failed to expire checkout session: %w", err)
	}
	return nil
}

func (p *PostgresStore) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = 'expired'
		WHERE status = 'pending' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire checkout sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to expire checkout sessions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	cs := &Session{}
	var status string
	var completedAt sql.NullTime
	err := row.Scan(&cs.ID, &cs.AccountID, &cs.WalletID, &cs.ProviderSessionID,
		&cs.AmountUSDCents, &status, &cs.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkout session: %w", err)
	}
	cs.Status = Status(status)
	if completedAt.Valid {
		at := completedAt.Time
		cs.CompletedAt = &at
	}
	return cs, nil
}
