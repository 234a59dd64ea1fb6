package withdrawals

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/agora/internal/ledger"
)

// PostgresStore persists withdrawals in PostgreSQL. The debit and the
// refund ride inside the same transaction as their status writes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the withdrawals table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS withdrawals (
			id VARCHAR(36) PRIMARY KEY,
			agent_id VARCHAR(36) NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			amount NUMERIC(30,8) NOT NULL,
			fee NUMERIC(30,8) NOT NULL,
			recipient_address VARCHAR(42) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			tx_hash VARCHAR(66),
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_withdrawals_agent ON withdrawals(agent_id, created_at DESC, id);
	`)
	return err
}

const withdrawalColumns = `id, agent_id, amount::TEXT, fee::TEXT, recipient_address,
	status, COALESCE(tx_hash, ''), COALESCE(failure_reason, ''), created_at, completed_at`

func (p *PostgresStore) CreateDebited(ctx context.Context, w *Withdrawal) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO withdrawals (id, agent_id, amount, fee,
				recipient_address, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			w.ID, w.AgentID, w.Amount, w.Fee,
			w.RecipientAddress, w.Status, w.CreatedAt)
		if err != nil {
			return err
		}
		meta := ledger.Meta{"withdrawal_id": w.ID, "recipient": w.RecipientAddress}
		return ledger.DebitIn(ctx, tx, w.AgentID, w.Amount, meta)
	})
}

func (p *PostgresStore) ClaimProcessing(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'processing'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	return p.checkFlip(ctx, res, id)
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, id, txHash string, completedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = 'completed', tx_hash = $2, completed_at = $3, failure_reason = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, txHash, completedAt.UTC())
	if err != nil {
		return err
	}
	return p.checkFlip(ctx, res, id)
}

func (p *PostgresStore) MarkFailedRefunded(ctx context.Context, id, reason string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var agentID, amount string
		err := tx.QueryRowContext(ctx, `
			UPDATE withdrawals SET status = 'failed', failure_reason = $2
			WHERE id = $1 AND status = 'processing'
			RETURNING agent_id, amount::TEXT`,
			id, reason).Scan(&agentID, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			return p.flipError(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		meta := ledger.Meta{"withdrawal_id": id, "reason": reason}
		return ledger.RefundDebitIn(ctx, tx, agentID, amount, meta)
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (p *PostgresStore) List(ctx context.Context, agentID string, limit, offset int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE agent_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM withdrawals
		WHERE agent_id = $1 AND created_at >= $2`, agentID, since).Scan(&n)
	return n, err
}

// checkFlip resolves a zero-row guarded UPDATE into not-found vs
// status-conflict.
func (p *PostgresStore) checkFlip(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return p.flipError(ctx, p.db, id)
}

func (p *PostgresStore) flipError(ctx context.Context, q ledger.Queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM withdrawals WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
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

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	var w Withdrawal
	var completedAt sql.NullTime
	err := row.Scan(
		&w.ID, &w.AgentID, &w.Amount, &w.Fee, &w.RecipientAddress,
		&w.Status, &w.TxHash, &w.FailureReason, &w.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		w.CompletedAt = &t
	}
	return &w, nil
}
