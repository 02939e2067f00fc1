package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/saturn/internal/pagination"
)

// PostgresStore persists invoices in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const invoiceColumns = `id, account_id, wallet_id, amount_sats, memo, r_hash,
	payment_request, status, created_at, expires_at, settled_at`

func (p *PostgresStore) Insert(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, account_id, wallet_id, amount_sats, memo,
			r_hash, payment_request, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, inv.ID, inv.AccountID, inv.WalletID, inv.AmountSats, inv.Memo,
		inv.RHash, inv.PaymentRequest, string(inv.Status), inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("invoice r_hash already exists")
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (p *PostgresStore) ClaimSettled(ctx context.Context, rHash string, settledAt time.Time) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE invoices SET status = 'settled', settled_at = $2
		WHERE r_hash = $1 AND status = 'pending'
		RETURNING `+invoiceColumns, rHash, settledAt)

	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim invoice: %w", err)
	}
	return inv, nil
}

func (p *PostgresStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invoices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to expire invoices: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, opts ListOptions) ([]*Invoice, string, error) {
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE account_id = $1`
	args := []interface{}{accountID}

	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, opts.Limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, "", err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to read invoices: %w", err)
	}

	page, next, _ := pagination.ComputePage(invoices, opts.Limit, func(inv *Invoice) (time.Time, string) {
		return inv.CreatedAt, inv.ID
	})
	return page, next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var status string
	var settledAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.AccountID, &inv.WalletID, &inv.AmountSats,
		&inv.Memo, &inv.RHash, &inv.PaymentRequest, &status,
		&inv.CreatedAt, &inv.ExpiresAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	inv.Status = Status(status)
	if settledAt.Valid {
		at := settledAt.Time
		inv.SettledAt = &at
	}
	return inv, nil
}
