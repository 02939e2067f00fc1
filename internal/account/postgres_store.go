package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/saturn/internal/ledger"
)

// PostgresStore persists accounts and agents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const agentColumns = `id, account_id, name, role, status, api_key_hash, api_key_prefix, metadata, created_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, acc *Account, primary *Agent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, name, default_currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acc.ID, acc.Email, acc.PasswordHash, acc.Name, string(acc.DefaultCurrency), acc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	if err := insertAgent(ctx, tx, primary); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, default_currency, created_at
		FROM accounts WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, default_currency, created_at
		FROM accounts WHERE lower(email) = lower($1)
	`, email))
}

func (p *PostgresStore) SetDefaultCurrency(ctx context.Context, accountID string, cur ledger.Currency) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE accounts SET default_currency = $2 WHERE id = $1`, accountID, string(cur))
	if err != nil {
		return fmt.Errorf("failed to set default currency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set default currency: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) PromoteDefaultCurrency(ctx context.Context, accountID string, from, to ledger.Currency) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET default_currency = $3
		WHERE id = $1 AND default_currency = $2
	`, accountID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to promote default currency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to promote default currency: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) CreateAgent(ctx context.Context, ag *Agent) error {
	return insertAgent(ctx, p.db, ag)
}

func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (p *PostgresStore) ListAgents(ctx context.Context, accountID string) ([]*Agent, error) {
	return p.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE account_id = $1
		ORDER BY (role = 'primary') DESC, created_at
	`, accountID)
}

func (p *PostgresStore) ListAgentsByKeyPrefix(ctx context.Context, prefix string) ([]*Agent, error) {
	return p.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_prefix = $1`, prefix)
}

func (p *PostgresStore) PrimaryAgent(ctx context.Context, accountID string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE account_id = $1 AND role = 'primary'`, accountID)
	return scanAgent(row)
}

func (p *PostgresStore) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1`, agentID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateAgentKey(ctx context.Context, agentID, keyHash, keyPrefix string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET api_key_hash = $2, api_key_prefix = $3 WHERE id = $1
	`, agentID, keyHash, keyPrefix)
	if err != nil {
		return fmt.Errorf("failed to update agent key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update agent key: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM agents WHERE id = $1 AND role != 'primary'`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n == 0 {
		// Distinguish a missing agent from a protected primary.
		if _, err := p.GetAgent(ctx, agentID); err == nil {
			return ErrPrimaryAgent
		}
		return ErrAgentNotFound
	}
	return nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAgent(ctx context.Context, db execer, ag *Agent) error {
	meta, err := json.Marshal(ag.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if ag.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO agents (id, account_id, name, role, status, api_key_hash, api_key_prefix, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ag.ID, ag.AccountID, ag.Name, string(ag.Role), string(ag.Status),
		ag.APIKeyHash, ag.APIKeyPrefix, meta, ag.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		ag, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ag)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	acc := &Account{}
	var cur string
	err := row.Scan(&acc.ID, &acc.Email, &acc.PasswordHash, &acc.Name, &cur, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	acc.DefaultCurrency = ledger.Currency(cur)
	return acc, nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	ag := &Agent{}
	var role, status string
	var meta []byte
	err := row.Scan(&ag.ID, &ag.AccountID, &ag.Name, &role, &status,
		&ag.APIKeyHash, &ag.APIKeyPrefix, &meta, &ag.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	ag.Role = Role(role)
	ag.Status = AgentStatus(status)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &ag.Metadata)
	}
	return ag, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
