package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/agora/internal/activity"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/messages"
	"github.com/mbd888/agora/internal/quotes"
	"github.com/mbd888/agora/internal/registry"
)

// PostgresStore persists jobs in PostgreSQL. Every lifecycle step runs
// in one serializable transaction: the status compare-and-set, the
// escrow movement, and the deliverable, message, activity, counter,
// and quote writes commit or roll back together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a job store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the jobs tables. The goose migrations are the
// canonical schema; this covers fresh development databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS jobs (
		id              VARCHAR(36) PRIMARY KEY,
		service_id      VARCHAR(36) NOT NULL REFERENCES services(id),
		client_agent_id VARCHAR(36) NOT NULL REFERENCES agents(id),
		worker_agent_id VARCHAR(36) NOT NULL REFERENCES agents(id),
		parent_job_id   VARCHAR(36) REFERENCES jobs(id),
		title           VARCHAR(200) NOT NULL,
		input_data      JSONB,
		price           NUMERIC(30,8) NOT NULL,
		negotiated_by   VARCHAR(10) NOT NULL DEFAULT 'agent',
		quote_id        VARCHAR(36),
		negotiation_id  VARCHAR(36),
		status          VARCHAR(20) NOT NULL DEFAULT 'pending',
		escrow_status   VARCHAR(10) NOT NULL DEFAULT 'unfunded',
		escrow_amount   NUMERIC(30,8),
		escrowed_at     TIMESTAMPTZ,
		released_at     TIMESTAMPTZ,
		refunded_at     TIMESTAMPTZ,
		rating          SMALLINT,
		review          TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at      TIMESTAMPTZ,
		delivered_at    TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		CONSTRAINT chk_job_rating CHECK (rating IS NULL OR rating BETWEEN 1 AND 5)
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_client ON jobs(client_agent_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_agent_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job_id) WHERE parent_job_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS job_deliverables (
		id            VARCHAR(36) PRIMARY KEY,
		job_id        VARCHAR(36) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		artifact_type VARCHAR(20) NOT NULL,
		content       TEXT NOT NULL,
		metadata      JSONB,
		version       INT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_deliverable_version UNIQUE (job_id, version)
	);
	`)
	return err
}

const jobColumns = `
	id, service_id, client_agent_id, worker_agent_id,
	COALESCE(parent_job_id, ''),
	title, COALESCE(input_data::TEXT, ''),
	price::TEXT, negotiated_by,
	COALESCE(quote_id, ''), COALESCE(negotiation_id, ''),
	status, escrow_status, COALESCE(escrow_amount::TEXT, ''),
	escrowed_at, released_at, refunded_at,
	COALESCE(rating, 0), COALESCE(review, ''),
	created_at, updated_at, started_at, delivered_at, completed_at`

func (p *PostgresStore) CreateFunded(ctx context.Context, tr *Transition) error {
	j := tr.Job
	inputData, err := marshalJSON(j.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, service_id, client_agent_id, worker_agent_id, parent_job_id,
				title, input_data, price, negotiated_by, quote_id, negotiation_id,
				status, escrow_status, escrow_amount, escrowed_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, NULLIF($5, ''),
				$6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''),
				$12, $13, $14, $15, $16, $17
			)`,
			j.ID, j.ServiceID, j.ClientAgentID, j.WorkerAgentID, j.ParentJobID,
			j.Title, inputData, j.Price, j.NegotiatedBy, j.QuoteID, j.NegotiationID,
			j.Status, j.EscrowStatus, j.EscrowAmount, j.EscrowedAt, j.CreatedAt, j.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := ledger.LockEscrowIn(ctx, tx, j.ClientAgentID, j.ID, j.EscrowAmount); err != nil {
			return err
		}
		if tr.ConsumeQuoteID != "" {
			if err := quotes.AcceptIn(ctx, tx, tr.ConsumeQuoteID); err != nil {
				return err
			}
		}
		return p.sideEffects(ctx, tx, tr)
	})
}

func (p *PostgresStore) Apply(ctx context.Context, tr *Transition) error {
	j := tr.Job
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET
				status = $2,
				escrow_status = $3,
				released_at = $4,
				refunded_at = $5,
				rating = NULLIF($6, 0),
				review = NULLIF($7, ''),
				updated_at = $8,
				started_at = $9,
				delivered_at = $10,
				completed_at = $11
			WHERE id = $1 AND status = $12`,
			j.ID, j.Status, j.EscrowStatus,
			j.ReleasedAt, j.RefundedAt,
			j.Rating, j.Review,
			j.UpdatedAt, j.StartedAt, j.DeliveredAt, j.CompletedAt,
			tr.FromStatus)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Either the job is gone or it moved under us.
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, j.ID).Scan(&one)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrInvalidState
		}

		switch tr.Escrow {
		case EscrowOpRelease:
			if err := ledger.ReleaseEscrowIn(ctx, tx, j.ClientAgentID, j.WorkerAgentID, j.ID, tr.Payout, j.EscrowAmount); err != nil {
				return err
			}
		case EscrowOpRefund:
			if err := ledger.RefundEscrowIn(ctx, tx, j.ClientAgentID, j.ID, j.EscrowAmount); err != nil {
				return err
			}
		}

		if tr.Deliverable != nil {
			d := tr.Deliverable
			metadata, err := marshalJSON(d.Metadata)
			if err != nil {
				return fmt.Errorf("marshal deliverable metadata: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO job_deliverables (id, job_id, artifact_type, content, metadata, version, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				d.ID, d.JobID, d.ArtifactType, d.Content, metadata, d.Version, d.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert deliverable: %w", err)
			}
		}

		if tr.CompletionStats {
			if err := registry.AddJobStatsIn(ctx, tx, j.ClientAgentID, j.WorkerAgentID, j.Price); err != nil {
				return err
			}
		}
		if tr.ReputationScore != nil {
			if err := registry.SetReputationIn(ctx, tx, j.WorkerAgentID, *tr.ReputationScore); err != nil {
				return err
			}
		}
		return p.sideEffects(ctx, tx, tr)
	})
}

func (p *PostgresStore) sideEffects(ctx context.Context, tx *sql.Tx, tr *Transition) error {
	if tr.Message != nil {
		if err := messages.InsertIn(ctx, tx, tr.Message); err != nil {
			return err
		}
	}
	if tr.Activity != nil {
		if err := activity.InsertIn(ctx, tx, tr.Activity); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, artifact_type, content, COALESCE(metadata::TEXT, ''), version, created_at
		FROM job_deliverables
		WHERE job_id = $1
		ORDER BY version`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		j.Deliverables = append(j.Deliverables, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return j, nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var where string
	args := []any{q.AgentID}
	switch q.Role {
	case RoleClient:
		where = `client_agent_id = $1`
	case RoleWorker:
		where = `worker_agent_id = $1`
	default:
		where = `(client_agent_id = $1 OR worker_agent_id = $1)`
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where += ` AND status = $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (p *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE parent_job_id = $1
		ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
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

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var inputData string
	var escrowedAt, releasedAt, refundedAt, startedAt, deliveredAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.ServiceID, &j.ClientAgentID, &j.WorkerAgentID,
		&j.ParentJobID,
		&j.Title, &inputData,
		&j.Price, &j.NegotiatedBy,
		&j.QuoteID, &j.NegotiationID,
		&j.Status, &j.EscrowStatus, &j.EscrowAmount,
		&escrowedAt, &releasedAt, &refundedAt,
		&j.Rating, &j.Review,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &deliveredAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if inputData != "" {
		if err := json.Unmarshal([]byte(inputData), &j.InputData); err != nil {
			return nil, fmt.Errorf("unmarshal input_data for job %s: %w", j.ID, err)
		}
	}
	j.EscrowedAt = timePtr(escrowedAt)
	j.ReleasedAt = timePtr(releasedAt)
	j.RefundedAt = timePtr(refundedAt)
	j.StartedAt = timePtr(startedAt)
	j.DeliveredAt = timePtr(deliveredAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}

func scanDeliverable(row rowScanner) (*Deliverable, error) {
	var d Deliverable
	var metadata string
	err := row.Scan(&d.ID, &d.JobID, &d.ArtifactType, &d.Content, &metadata, &d.Version, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for deliverable %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func marshalJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
