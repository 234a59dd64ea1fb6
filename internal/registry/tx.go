package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is the subset of *sql.DB / *sql.Tx these helpers need. Callers
// settling a job pass their own transaction so counter updates commit or
// roll back together with the payout.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AddJobStatsIn applies completion counters inside the caller's
// transaction: the worker earned amount, the client spent it.
func AddJobStatsIn(ctx context.Context, q Execer, clientID, workerID, amount string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE agents
		SET jobs_completed = jobs_completed + 1,
		    total_earned = total_earned + $2::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE id = $1
	`, workerID, amount)
	if err != nil {
		return fmt.Errorf("update worker stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}

	res, err = q.ExecContext(ctx, `
		UPDATE agents
		SET jobs_hired = jobs_hired + 1,
		    total_spent = total_spent + $2::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE id = $1
	`, clientID, amount)
	if err != nil {
		return fmt.Errorf("update client stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SetReputationIn writes a recomputed reputation score inside the
// caller's transaction.
func SetReputationIn(ctx context.Context, q Execer, agentID string, score float64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE agents SET reputation_score = $2, updated_at = NOW() WHERE id = $1
	`, agentID, score)
	if err != nil {
		return fmt.Errorf("update reputation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}
