package quotes

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/agora/internal/idgen"
)

// PostgresStore persists quotes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed quote store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the price_quotes table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS price_quotes (
			id VARCHAR(36) PRIMARY KEY,
			service_id VARCHAR(36) NOT NULL REFERENCES services(id),
			client_agent_id VARCHAR(36) NOT NULL REFERENCES agents(id),
			job_description TEXT NOT NULL DEFAULT '',
			max_price_willing NUMERIC(30,8) NOT NULL,
			quoted_price NUMERIC(30,8) NOT NULL,
			service_min_price NUMERIC(30,8) NOT NULL,
			service_max_price NUMERIC(30,8) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			valid_until TIMESTAMPTZ NOT NULL,
			accepted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_quotes_client ON price_quotes(client_agent_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_quotes_pending ON price_quotes(valid_until) WHERE status = 'pending';
	`)
	return err
}

const quoteColumns = `id, service_id, client_agent_id, job_description,
	max_price_willing::TEXT, quoted_price::TEXT,
	service_min_price::TEXT, service_max_price::TEXT,
	status, valid_until, accepted_at, created_at`

// Create inserts a new quote.
func (p *PostgresStore) Create(ctx context.Context, q *Quote) error {
	if q.ID == "" {
		q.ID = idgen.WithPrefix("quote_")
	}
	if q.Status == "" {
		q.Status = StatusPending
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO price_quotes (id, service_id, client_agent_id, job_description,
			max_price_willing, quoted_price, service_min_price, service_max_price,
			status, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		q.ID, q.ServiceID, q.ClientAgentID, q.JobDescription,
		q.MaxPriceWilling, q.QuotedPrice, q.ServiceMinPrice, q.ServiceMaxPrice,
		q.Status, q.ValidUntil,
	).Scan(&q.CreatedAt)
}

// Get returns a quote by ID. A pending quote past its deadline is
// flipped to expired first so readers never see a stale pending status.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Quote, error) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE price_quotes SET status = 'expired'
		WHERE id = $1 AND status = 'pending' AND valid_until <= NOW()`, id)
	if err != nil {
		return nil, err
	}

	row := p.db.QueryRowContext(ctx,
		`SELECT `+quoteColumns+` FROM price_quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	}
	return q, err
}

// Accept transitions a usable quote to accepted.
func (p *PostgresStore) Accept(ctx context.Context, id string) error {
	err := AcceptIn(ctx, p.db, id)
	if errors.Is(err, ErrQuoteNotUsable) {
		// Distinguish a missing quote from one that missed its window.
		var exists bool
		if qErr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM price_quotes WHERE id = $1)`, id,
		).Scan(&exists); qErr == nil && !exists {
			return ErrQuoteNotFound
		}
	}
	return err
}

// ExpireStale sweeps pending quotes past their deadline.
func (p *PostgresStore) ExpireStale(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE price_quotes SET status = 'expired'
		WHERE status = 'pending' AND valid_until <= NOW()`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListByClient returns the client's quotes, newest first.
func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Quote, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+quoteColumns+` FROM price_quotes
		WHERE client_agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*Quote, error) {
	var q Quote
	var acceptedAt sql.NullTime
	err := row.Scan(
		&q.ID, &q.ServiceID, &q.ClientAgentID, &q.JobDescription,
		&q.MaxPriceWilling, &q.QuotedPrice,
		&q.ServiceMinPrice, &q.ServiceMaxPrice,
		&q.Status, &q.ValidUntil, &acceptedAt, &q.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time.UTC()
		q.AcceptedAt = &t
	}
	return &q, nil
}
