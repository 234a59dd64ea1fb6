package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// PostgresStore persists negotiations in PostgreSQL. Mutations run in
// serializable transactions so a turn and its offer land together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the negotiation tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS negotiations (
			id VARCHAR(36) PRIMARY KEY,
			service_id VARCHAR(36) NOT NULL REFERENCES services(id),
			client_agent_id VARCHAR(36) NOT NULL REFERENCES agents(id),
			worker_agent_id VARCHAR(36) NOT NULL REFERENCES agents(id),
			job_description TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			current_price NUMERIC(30,8) NOT NULL,
			current_proposer VARCHAR(10) NOT NULL,
			service_min_price NUMERIC(30,8) NOT NULL,
			service_max_price NUMERIC(30,8) NOT NULL,
			client_max_price NUMERIC(30,8),
			round_count INT NOT NULL DEFAULT 1,
			max_rounds INT NOT NULL DEFAULT 5,
			expires_at TIMESTAMPTZ NOT NULL,
			agreed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS negotiation_offers (
			id VARCHAR(36) PRIMARY KEY,
			negotiation_id VARCHAR(36) NOT NULL REFERENCES negotiations(id) ON DELETE CASCADE,
			seq BIGSERIAL,
			agent_id VARCHAR(36) NOT NULL,
			agent_role VARCHAR(10) NOT NULL,
			action VARCHAR(10) NOT NULL,
			price NUMERIC(30,8) NOT NULL,
			message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_negotiations_client ON negotiations(client_agent_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_negotiations_worker ON negotiations(worker_agent_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_negotiations_active ON negotiations(expires_at) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_offers_negotiation ON negotiation_offers(negotiation_id, created_at, seq);
	`)
	return err
}

const negotiationColumns = `id, service_id, client_agent_id, worker_agent_id, job_description,
	status, current_price::TEXT, current_proposer,
	service_min_price::TEXT, service_max_price::TEXT,
	COALESCE(client_max_price::TEXT, ''),
	round_count, max_rounds, expires_at, agreed_at, created_at, updated_at`

// Create inserts a negotiation and its opening offer atomically.
func (p *PostgresStore) Create(ctx context.Context, n *Negotiation, opening *Offer) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO negotiations (id, service_id, client_agent_id, worker_agent_id,
				job_description, status, current_price, current_proposer,
				service_min_price, service_max_price, client_max_price,
				round_count, max_rounds, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				NULLIF($11, '')::NUMERIC(30,8), $12, $13, $14, $15, $16)`,
			n.ID, n.ServiceID, n.ClientAgentID, n.WorkerAgentID,
			n.JobDescription, n.Status, n.CurrentPrice, n.CurrentProposer,
			n.ServiceMinPrice, n.ServiceMaxPrice, n.ClientMaxPrice,
			n.RoundCount, n.MaxRounds, n.ExpiresAt, n.CreatedAt, n.UpdatedAt)
		if err != nil {
			return err
		}
		if opening != nil {
			return insertOffer(ctx, tx, opening)
		}
		return nil
	})
}

// Get loads a negotiation with its offers, oldest offer first.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id)
	n, err := scanNegotiation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, negotiation_id, agent_id, agent_role, action,
			price::TEXT, COALESCE(message, ''), created_at
		FROM negotiation_offers
		WHERE negotiation_id = $1
		ORDER BY created_at, seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.ID, &o.NegotiationID, &o.AgentID, &o.Role,
			&o.Action, &o.Price, &o.Message, &o.CreatedAt); err != nil {
			return nil, err
		}
		n.Offers = append(n.Offers, &o)
	}
	return n, rows.Err()
}

// Update persists the mutable fields and appends the offer atomically.
// The guarded WHERE makes concurrent responders lose cleanly instead of
// overwriting each other's round.
func (p *PostgresStore) Update(ctx context.Context, n *Negotiation, offer *Offer, fromRound int) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE negotiations
			SET status = $2, current_price = $3, current_proposer = $4,
				round_count = $5, agreed_at = $6, updated_at = $7
			WHERE id = $1 AND status = 'active' AND round_count = $8`,
			n.ID, n.Status, n.CurrentPrice, n.CurrentProposer,
			n.RoundCount, n.AgreedAt, n.UpdatedAt, fromRound)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM negotiations WHERE id = $1`, n.ID).Scan(&one)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrConflict
		}
		if offer != nil {
			return insertOffer(ctx, tx, offer)
		}
		return nil
	})
}

// ListByAgent returns the agent's negotiations, newest first, without
// offer history.
func (p *PostgresStore) ListByAgent(ctx context.Context, q Query) ([]*Negotiation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + negotiationColumns + ` FROM negotiations
		WHERE (client_agent_id = $1 OR worker_agent_id = $1)`
	args := []any{q.AgentID}
	if q.Status != "" {
		args = append(args, q.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ExpireStale flips overdue active negotiations to expired.
func (p *PostgresStore) ExpireStale(ctx context.Context) ([]*Negotiation, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE negotiations
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at <= NOW()
		RETURNING id, service_id, client_agent_id, worker_agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*Negotiation
	for rows.Next() {
		n := &Negotiation{Status: StatusExpired}
		if err := rows.Scan(&n.ID, &n.ServiceID, &n.ClientAgentID, &n.WorkerAgentID); err != nil {
			return nil, err
		}
		expired = append(expired, n)
	}
	return expired, rows.Err()
}

func insertOffer(ctx context.Context, tx *sql.Tx, o *Offer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO negotiation_offers (id, negotiation_id, agent_id, agent_role,
			action, price, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		o.ID, o.NegotiationID, o.AgentID, o.Role, o.Action, o.Price, o.Message, o.CreatedAt)
	return err
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNegotiation(row rowScanner) (*Negotiation, error) {
	var n Negotiation
	var agreedAt sql.NullTime
	err := row.Scan(
		&n.ID, &n.ServiceID, &n.ClientAgentID, &n.WorkerAgentID, &n.JobDescription,
		&n.Status, &n.CurrentPrice, &n.CurrentProposer,
		&n.ServiceMinPrice, &n.ServiceMaxPrice, &n.ClientMaxPrice,
		&n.RoundCount, &n.MaxRounds, &n.ExpiresAt, &agreedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if agreedAt.Valid {
		t := agreedAt.Time.UTC()
		n.AgreedAt = &t
	}
	return &n, nil
}
