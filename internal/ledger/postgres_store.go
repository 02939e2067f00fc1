package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/saturn/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
// Schema lives in migrations/ (goose).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// currencyColumns maps a currency to its wallet column family.
type currencyColumns struct {
	balance     string
	held        string
	lifetimeIn  string
	lifetimeOut string
}

func columnsFor(c Currency) currencyColumns {
	if c == CurrencySats {
		return currencyColumns{
			balance:     "balance_sats",
			held:        "held_sats",
			lifetimeIn:  "lifetime_in_sats",
			lifetimeOut: "lifetime_out_sats",
		}
	}
	return currencyColumns{
		balance:     "balance_usd_cents",
		held:        "held_usd_cents",
		lifetimeIn:  "lifetime_in_usd_cents",
		lifetimeOut: "lifetime_out_usd_cents",
	}
}

// CreateWallet inserts a zero-balance wallet.
func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, w.ID, w.AccountID, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a wallet by ID.
func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, account_id, balance_sats, held_sats, balance_usd_cents, held_usd_cents,
		       lifetime_in_sats, lifetime_out_sats, lifetime_in_usd_cents, lifetime_out_usd_cents,
		       created_at, updated_at
		FROM wallets WHERE id = $1
	`, id))
}

// GetWalletByAccount retrieves the wallet owned by an account.
func (p *PostgresStore) GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, account_id, balance_sats, held_sats, balance_usd_cents, held_usd_cents,
		       lifetime_in_sats, lifetime_out_sats, lifetime_in_usd_cents, lifetime_out_usd_cents,
		       created_at, updated_at
		FROM wallets WHERE account_id = $1
	`, accountID))
}

func (p *PostgresStore) scanWallet(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(
		&w.ID, &w.AccountID, &w.BalanceSats, &w.HeldSats, &w.BalanceUSDCents, &w.HeldUSDCents,
		&w.LifetimeInSats, &w.LifetimeOutSats, &w.LifetimeInUSDCents, &w.LifetimeOutUSDCents,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Credit applies a credit inside one transaction: conditional balance
// update, then the transaction row. A duplicate credit reference trips the
// partial unique index; the original transaction is returned instead.
func (p *PostgresStore) Credit(ctx context.Context, req CreditRequest, txn *Transaction) (*Transaction, error) {
	cols := columnsFor(req.Currency)

	// The balance cap applies to the sats balance only.
	capSats := req.MaxBalanceSats
	if req.Currency != CurrencySats {
		capSats = 0
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		UPDATE wallets SET
			%[1]s      = %[1]s + $2,
			%[2]s      = %[2]s + $2,
			updated_at = NOW()
		WHERE id = $1 AND ($3 <= 0 OR balance_sats + held_sats + $2 <= $3)
		RETURNING balance_sats, balance_usd_cents
	`, cols.balance, cols.lifetimeIn)

	err = tx.QueryRowContext(ctx, query, req.WalletID, req.Amount, capSats).
		Scan(&txn.BalanceAfterSats, &txn.BalanceAfterUSDCents)
	if err == sql.ErrNoRows {
		// Either the wallet is missing or the cap condition failed.
		var exists bool
		if scanErr := tx.QueryRowContext(ctx,
			`SELECT TRUE FROM wallets WHERE id = $1`, req.WalletID).Scan(&exists); scanErr == sql.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, ErrBalanceCapExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount_sats, amount_usd_cents,
			balance_after_sats, balance_after_usd_cents, reference_type, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, txn.ID, txn.WalletID, txn.Type, txn.AmountSats, txn.AmountUSDCents,
		txn.BalanceAfterSats, txn.BalanceAfterUSDCents, txn.ReferenceType, txn.ReferenceID,
		txn.Description, txn.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Duplicate credit reference. Roll back the balance update and
			// surface the original transaction.
			_ = tx.Rollback()
			return p.getTransactionByReference(ctx, req.ReferenceType, req.ReferenceID)
		}
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// Hold reserves funds with a single conditional update. Zero rows affected
// means the available balance does not cover the amount. Holds write no
// transaction row.
func (p *PostgresStore) Hold(ctx context.Context, walletID string, c Currency, amount int64) error {
	cols := columnsFor(c)

	query := fmt.Sprintf(`
		UPDATE wallets SET
			%[1]s      = %[1]s - $2,
			%[2]s      = %[2]s + $2,
			updated_at = NOW()
		WHERE id = $1 AND %[1]s >= $2
	`, cols.balance, cols.held)

	result, err := p.db.ExecContext(ctx, query, walletID, amount)
	if err != nil {
		return fmt.Errorf("failed to place hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Settle consumes a hold: the held amount comes off the held counter, the
// unspent remainder returns to the balance, and lifetime out grows by the
// final charge. The held >= hold guard makes a double settle a zero-row
// update instead of a corruption.
func (p *PostgresStore) Settle(ctx context.Context, hold Hold, final int64, txn *Transaction) error {
	cols := columnsFor(hold.Currency)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		UPDATE wallets SET
			%[2]s      = %[2]s - $2,
			%[1]s      = %[1]s + ($2 - $3),
			%[3]s      = %[3]s + $3,
			updated_at = NOW()
		WHERE id = $1 AND %[2]s >= $2
		RETURNING balance_sats, balance_usd_cents
	`, cols.balance, cols.held, cols.lifetimeOut)

	err = tx.QueryRowContext(ctx, query, hold.WalletID, hold.Amount, final).
		Scan(&txn.BalanceAfterSats, &txn.BalanceAfterUSDCents)
	if err == sql.ErrNoRows {
		return ErrHeldMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to settle hold: %w", err)
	}

	if err := p.insertTransaction(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

// Release returns a hold in full to the available balance.
func (p *PostgresStore) Release(ctx context.Context, hold Hold, txn *Transaction) error {
	cols := columnsFor(hold.Currency)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		UPDATE wallets SET
			%[2]s      = %[2]s - $2,
			%[1]s      = %[1]s + $2,
			updated_at = NOW()
		WHERE id = $1 AND %[2]s >= $2
		RETURNING balance_sats, balance_usd_cents
	`, cols.balance, cols.held)

	err = tx.QueryRowContext(ctx, query, hold.WalletID, hold.Amount).
		Scan(&txn.BalanceAfterSats, &txn.BalanceAfterUSDCents)
	if err == sql.ErrNoRows {
		return ErrHeldMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}

	if err := p.insertTransaction(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, wallet_id, type, amount_sats, amount_usd_cents,
			balance_after_sats, balance_after_usd_cents, reference_type, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, txn.ID, txn.WalletID, txn.Type, txn.AmountSats, txn.AmountUSDCents,
		txn.BalanceAfterSats, txn.BalanceAfterUSDCents, txn.ReferenceType, txn.ReferenceID,
		txn.Description, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) getTransactionByReference(ctx context.Context, refType, refID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, type, amount_sats, amount_usd_cents,
		       balance_after_sats, balance_after_usd_cents, reference_type, reference_id, description, created_at
		FROM transactions
		WHERE reference_type = $1 AND reference_id = $2
		  AND type IN ('credit_lightning', 'credit_card')
	`, refType, refID)

	txn := &Transaction{}
	err := row.Scan(&txn.ID, &txn.WalletID, &txn.Type, &txn.AmountSats, &txn.AmountUSDCents,
		&txn.BalanceAfterSats, &txn.BalanceAfterUSDCents, &txn.ReferenceType, &txn.ReferenceID,
		&txn.Description, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns one page of transactions, newest first.
func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, opts ListOptions) ([]*Transaction, string, error) {
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, wallet_id, type, amount_sats, amount_usd_cents,
		       balance_after_sats, balance_after_usd_cents, reference_type, reference_id, description, created_at
		FROM transactions
		WHERE wallet_id = $1
	`
	args := []interface{}{walletID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, opts.Limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		if err := rows.Scan(&txn.ID, &txn.WalletID, &txn.Type, &txn.AmountSats, &txn.AmountUSDCents,
			&txn.BalanceAfterSats, &txn.BalanceAfterUSDCents, &txn.ReferenceType, &txn.ReferenceID,
			&txn.Description, &txn.CreatedAt); err != nil {
			return nil, "", err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(txns, opts.Limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}
