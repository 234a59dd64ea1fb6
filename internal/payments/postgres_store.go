package payments

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payment transactions in PostgreSQL. The unique
// index on tx_hash is what linearizes concurrent verifications across
// processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payment_transactions table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_transactions (
			id VARCHAR(36) PRIMARY KEY,
			tx_hash VARCHAR(66) NOT NULL UNIQUE,
			amount NUMERIC(30,8) NOT NULL,
			currency VARCHAR(10) NOT NULL DEFAULT 'AGNT',
			transaction_type VARCHAR(20) NOT NULL DEFAULT 'top_up',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			initiator_agent_id VARCHAR(36) NOT NULL REFERENCES agents(id),
			recipient_agent_id VARCHAR(36) REFERENCES agents(id),
			from_address VARCHAR(42),
			to_address VARCHAR(42) NOT NULL,
			token_address VARCHAR(42) NOT NULL,
			block_number BIGINT,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			verified_at TIMESTAMPTZ,
			credited_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_payments_initiator ON payment_transactions(initiator_agent_id, created_at DESC, id);
		CREATE INDEX IF NOT EXISTS idx_payments_recipient ON payment_transactions(recipient_agent_id, created_at DESC, id);
		CREATE INDEX IF NOT EXISTS idx_payments_verified ON payment_transactions(verified_at) WHERE status = 'verified';
	`)
	return err
}

const paymentColumns = `id, tx_hash, amount::TEXT, currency, transaction_type, status,
	initiator_agent_id, COALESCE(recipient_agent_id, ''),
	COALESCE(from_address, ''), to_address, token_address,
	COALESCE(block_number, 0), COALESCE(failure_reason, ''),
	created_at, verified_at, credited_at`

// Create inserts a pending transaction. A tx_hash collision with any
// existing row returns ErrDuplicateHash.
func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, tx_hash, amount, currency,
			transaction_type, status, initiator_agent_id, recipient_agent_id,
			from_address, to_address, token_address, block_number,
			failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''),
			NULLIF($9, ''), $10, $11, NULLIF($12, 0),
			NULLIF($13, ''), $14)`,
		tx.ID, strings.ToLower(tx.TxHash), tx.Amount, tx.Currency,
		tx.Type, tx.Status, tx.InitiatorAgentID, tx.RecipientAgentID,
		tx.FromAddress, tx.ToAddress, tx.TokenAddress, int64(tx.BlockNumber),
		tx.FailureReason, tx.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateHash
	}
	return err
}

// GetByHash returns the transaction for the hash, if any.
func (p *PostgresStore) GetByHash(ctx context.Context, txHash string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE tx_hash = $1`,
		strings.ToLower(txHash))
	tx, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// Update persists the mutable verification fields.
func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $2, from_address = NULLIF($3, ''),
			block_number = NULLIF($4, 0), failure_reason = NULLIF($5, ''),
			verified_at = $6, credited_at = $7
		WHERE id = $1`,
		tx.ID, tx.Status, tx.FromAddress, int64(tx.BlockNumber),
		tx.FailureReason, tx.VerifiedAt, tx.CreditedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCredited flips a verified row to credited. The status guard in
// the WHERE clause makes the transition happen at most once per hash.
func (p *PostgresStore) MarkCredited(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $2, credited_at = $3, failure_reason = NULL
		WHERE id = $1 AND status = $4`,
		id, StatusCredited, at, StatusVerified)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Delete removes a transaction so its hash can be resubmitted.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM payment_transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns transactions matching the query, newest first.
func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Transaction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE (initiator_agent_id = $1 OR recipient_agent_id = $1)`
	args := []any{q.AgentID}
	if q.Status != "" {
		args = append(args, q.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id LIMIT $` + strconv.Itoa(len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ListStuckVerified returns verified transactions whose verification
// predates the cutoff, oldest first.
func (p *PostgresStore) ListStuckVerified(ctx context.Context, before time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE status = $1 AND verified_at < $2
		ORDER BY verified_at`,
		StatusVerified, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var blockNumber int64
	var verifiedAt, creditedAt sql.NullTime
	err := row.Scan(
		&tx.ID, &tx.TxHash, &tx.Amount, &tx.Currency, &tx.Type, &tx.Status,
		&tx.InitiatorAgentID, &tx.RecipientAgentID,
		&tx.FromAddress, &tx.ToAddress, &tx.TokenAddress,
		&blockNumber, &tx.FailureReason,
		&tx.CreatedAt, &verifiedAt, &creditedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.BlockNumber = uint64(blockNumber)
	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		tx.VerifiedAt = &t
	}
	if creditedAt.Valid {
		t := creditedAt.Time.UTC()
		tx.CreditedAt = &t
	}
	return &tx, nil
}
