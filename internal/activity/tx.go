package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/agora/internal/idgen"
)

// Execer is the subset of *sql.DB / *sql.Tx InsertIn needs. Packages
// recording activity pass their own transaction so the feed entry
// commits or rolls back with the state change it mirrors.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertIn appends a feed entry inside the caller's transaction. It
// assigns e.ID when empty; created_at comes from the database.
func InsertIn(ctx context.Context, q Execer, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.New()
	}

	var data any
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal activity data: %w", err)
		}
		data = string(b)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO activity_log (id, event_type, agent_id, job_id, data)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
	`, e.ID, e.EventType, e.AgentID, e.JobID, data)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}
