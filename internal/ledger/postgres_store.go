package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists balances and the journal in PostgreSQL. All
// mutations run in serializable transactions built from the *In
// primitives in tx.go.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_balances (
			agent_id    VARCHAR(36) PRIMARY KEY,
			available   NUMERIC(30,8) NOT NULL DEFAULT 0,
			escrow      NUMERIC(30,8) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_escrow_nonneg    CHECK (escrow >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_transactions (
			id                    VARCHAR(36) PRIMARY KEY,
			job_id                VARCHAR(36),
			agent_id              VARCHAR(36) NOT NULL,
			counterparty_agent_id VARCHAR(36),
			type                  VARCHAR(24) NOT NULL,
			amount                NUMERIC(30,8) NOT NULL,
			currency              VARCHAR(10) NOT NULL DEFAULT 'AGNT',
			metadata              JSONB,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_amount_nonneg CHECK (amount >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_tx_agent ON ledger_transactions(agent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_tx_counterparty ON ledger_transactions(counterparty_agent_id) WHERE counterparty_agent_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_ledger_tx_job ON ledger_transactions(job_id) WHERE job_id IS NOT NULL;
	`)
	return err
}

// Balance reads the agent's position. Agents never credited read as zero.
func (s *PostgresStore) Balance(ctx context.Context, agentID string) (*Balance, error) {
	b := &Balance{AgentID: agentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT available::TEXT, escrow::TEXT, updated_at
		FROM agent_balances WHERE agent_id = $1
	`, agentID).Scan(&b.Available, &b.Escrow, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{
			AgentID:   agentID,
			Available: "0",
			Escrow:    "0",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Credit adds funds to an agent's available balance.
func (s *PostgresStore) Credit(ctx context.Context, agentID, amount, currency string, meta Meta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return CreditIn(ctx, tx, agentID, amount, currency, meta)
	})
}

// Debit removes funds from an agent's available balance.
func (s *PostgresStore) Debit(ctx context.Context, agentID, amount string, meta Meta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return DebitIn(ctx, tx, agentID, amount, meta)
	})
}

// RefundDebit reverses a failed debit.
func (s *PostgresStore) RefundDebit(ctx context.Context, agentID, amount string, meta Meta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return RefundDebitIn(ctx, tx, agentID, amount, meta)
	})
}

// LockEscrow moves funds from available to escrow.
func (s *PostgresStore) LockEscrow(ctx context.Context, clientID, jobID, amount string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return LockEscrowIn(ctx, tx, clientID, jobID, amount)
	})
}

// ReleaseEscrow settles a job's escrow between client and worker.
func (s *PostgresStore) ReleaseEscrow(ctx context.Context, clientID, workerID, jobID, payout, escrowTotal string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return ReleaseEscrowIn(ctx, tx, clientID, workerID, jobID, payout, escrowTotal)
	})
}

// RefundEscrow returns escrowed funds to available.
func (s *PostgresStore) RefundEscrow(ctx context.Context, clientID, jobID, amount string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return RefundEscrowIn(ctx, tx, clientID, jobID, amount)
	})
}

// Entries returns journal rows where the agent is the subject or the
// counterparty, newest first.
func (s *PostgresStore) Entries(ctx context.Context, agentID string, limit, offset int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, agent_id, counterparty_agent_id, type, amount::TEXT, currency, metadata, created_at
		FROM ledger_transactions
		WHERE agent_id = $1 OR counterparty_agent_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesForJob returns every journal row tied to the job, oldest first.
func (s *PostgresStore) EntriesForJob(ctx context.Context, jobID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, agent_id, counterparty_agent_id, type, amount::TEXT, currency, metadata, created_at
		FROM ledger_transactions
		WHERE job_id = $1
		ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Audit recomputes each agent's total position from the journal and
// reports the drift against the stored balances. Escrow locks and
// refunds move money between an agent's own columns so they net to
// zero; credits, withdrawals and releases shift the total.
func (s *PostgresStore) Audit(ctx context.Context) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH signed AS (
			SELECT agent_id AS aid,
			       CASE type
			           WHEN 'credit'            THEN amount
			           WHEN 'withdrawal_refund' THEN amount
			           WHEN 'withdrawal'        THEN -amount
			           WHEN 'escrow_release'    THEN -amount
			           ELSE 0
			       END AS delta
			FROM ledger_transactions
			UNION ALL
			SELECT counterparty_agent_id AS aid, amount AS delta
			FROM ledger_transactions
			WHERE type = 'escrow_release' AND counterparty_agent_id IS NOT NULL
		),
		nets AS (
			SELECT aid, SUM(delta) AS net FROM signed GROUP BY aid
		)
		SELECT b.agent_id,
		       b.available::TEXT,
		       b.escrow::TEXT,
		       COALESCE(n.net, 0)::TEXT,
		       (b.available + b.escrow - COALESCE(n.net, 0))::TEXT
		FROM agent_balances b
		LEFT JOIN nets n ON n.aid = b.agent_id
		ORDER BY b.agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.AgentID, &r.Available, &r.Escrow, &r.JournalNet, &r.Drift); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var jobID, counterparty sql.NullString
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &jobID, &e.AgentID, &counterparty, &e.Type, &e.Amount, &e.Currency, &metaJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.JobID = jobID.String
		e.CounterpartyID = counterparty.String
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode entry metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
