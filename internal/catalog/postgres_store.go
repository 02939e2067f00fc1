package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists the catalog in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const serviceColumns = `id, slug, name, description, tier, status, base_url,
	auth_type, auth_credential_env, auth_header, auth_param, metadata, created_at`

func (p *PostgresStore) CreateService(ctx context.Context, svc *Service) error {
	meta, err := json.Marshal(svc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if svc.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO services (id, slug, name, description, tier, status, base_url,
			auth_type, auth_credential_env, auth_header, auth_param, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, svc.ID, svc.Slug, svc.Name, svc.Description, string(svc.Tier), string(svc.Status),
		svc.BaseURL, string(svc.AuthType), svc.AuthCredentialEnv, svc.AuthHeader,
		svc.AuthParam, meta, svc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateService(ctx context.Context, svc *Service) error {
	meta, err := json.Marshal(svc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if svc.Metadata == nil {
		meta = []byte("{}")
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE services
		SET slug = $2, name = $3, description = $4, tier = $5, status = $6,
		    base_url = $7, auth_type = $8, auth_credential_env = $9,
		    auth_header = $10, auth_param = $11, metadata = $12
		WHERE id = $1
	`, svc.ID, svc.Slug, svc.Name, svc.Description, string(svc.Tier), string(svc.Status),
		svc.BaseURL, string(svc.AuthType), svc.AuthCredentialEnv, svc.AuthHeader,
		svc.AuthParam, meta)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		return fmt.Errorf("failed to update service: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	if n == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (p *PostgresStore) GetService(ctx context.Context, id string) (*Service, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	return scanService(row)
}

func (p *PostgresStore) GetServiceBySlug(ctx context.Context, slug string) (*Service, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE slug = $1`, slug)
	return scanService(row)
}

func (p *PostgresStore) ListServices(ctx context.Context, activeOnly bool) ([]*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY slug`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetPricing(ctx context.Context, serviceID string, pricingRows []*ServicePricing) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM service_pricing WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("failed to clear pricing: %w", err)
	}
	for _, r := range pricingRows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO service_pricing (id, service_id, operation, cost_usd_micros,
				price_usd_micros, price_sats, unit)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.ID, serviceID, r.Operation, r.CostUsdMicros, r.PriceUsdMicros, r.PriceSats, string(r.Unit))
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrServiceNotFound
			}
			return fmt.Errorf("failed to insert pricing row: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetPricing(ctx context.Context, serviceID, operation string) (*ServicePricing, error) {
	r := &ServicePricing{}
	var unit string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, service_id, operation, cost_usd_micros, price_usd_micros, price_sats, unit
		FROM service_pricing WHERE service_id = $1 AND operation = $2
	`, serviceID, operation).Scan(&r.ID, &r.ServiceID, &r.Operation,
		&r.CostUsdMicros, &r.PriceUsdMicros, &r.PriceSats, &unit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPricingNotFound
		}
		return nil, fmt.Errorf("failed to get pricing: %w", err)
	}
	r.Unit = Unit(unit)
	return r, nil
}

func (p *PostgresStore) ListPricing(ctx context.Context, serviceID string) ([]*ServicePricing, error) {
	return p.queryPricing(ctx, `
		SELECT id, service_id, operation, cost_usd_micros, price_usd_micros, price_sats, unit
		FROM service_pricing WHERE service_id = $1 ORDER BY operation
	`, serviceID)
}

func (p *PostgresStore) ListAllPricing(ctx context.Context) ([]*ServicePricing, error) {
	return p.queryPricing(ctx, `
		SELECT id, service_id, operation, cost_usd_micros, price_usd_micros, price_sats, unit
		FROM service_pricing ORDER BY service_id, operation
	`)
}

func (p *PostgresStore) queryPricing(ctx context.Context, query string, args ...interface{}) ([]*ServicePricing, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ServicePricing
	for rows.Next() {
		r := &ServicePricing{}
		var unit string
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.Operation,
			&r.CostUsdMicros, &r.PriceUsdMicros, &r.PriceSats, &unit); err != nil {
			return nil, fmt.Errorf("failed to scan pricing: %w", err)
		}
		r.Unit = Unit(unit)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdatePriceSats(ctx context.Context, pricingID string, priceSats int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE service_pricing SET price_sats = $2 WHERE id = $1`, pricingID, priceSats)
	if err != nil {
		return fmt.Errorf("failed to update price_sats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update price_sats: %w", err)
	}
	if n == 0 {
		return ErrPricingNotFound
	}
	return nil
}

func (p *PostgresStore) SetCapabilities(ctx context.Context, serviceID string, routes []*CapabilityRoute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM service_capabilities WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("failed to clear capabilities: %w", err)
	}
	for _, r := range routes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO service_capabilities (service_id, capability, priority)
			VALUES ($1, $2, $3)
		`, serviceID, r.Capability, r.Priority)
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrServiceNotFound
			}
			return fmt.Errorf("failed to insert capability route: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListCapabilityRoutes(ctx context.Context) ([]*CapabilityRoute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT service_id, capability, priority
		FROM service_capabilities ORDER BY capability, priority
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list capability routes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CapabilityRoute
	for rows.Next() {
		r := &CapabilityRoute{}
		if err := rows.Scan(&r.ServiceID, &r.Capability, &r.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan capability route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row rowScanner) (*Service, error) {
	svc := &Service{}
	var tier, status, authType string
	var meta []byte
	err := row.Scan(&svc.ID, &svc.Slug, &svc.Name, &svc.Description, &tier, &status,
		&svc.BaseURL, &authType, &svc.AuthCredentialEnv, &svc.AuthHeader,
		&svc.AuthParam, &meta, &svc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("failed to scan service: %w", err)
	}
	svc.Tier = Tier(tier)
	svc.Status = Status(status)
	svc.AuthType = AuthType(authType)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &svc.Metadata)
	}
	return svc, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
