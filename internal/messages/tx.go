package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/agora/internal/idgen"
)

// Execer is the subset of *sql.DB / *sql.Tx InsertIn needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertIn writes an inbox message inside the caller's transaction, so
// the notification lands if and only if the transition commits. It
// assigns msg.ID when empty; created_at comes from the database.
func InsertIn(ctx context.Context, q Execer, msg *Message) error {
	if msg.ID == "" {
		msg.ID = idgen.New()
	}

	var content any
	if len(msg.Content) > 0 {
		b, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("marshal message content: %w", err)
		}
		content = string(b)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, from_agent, to_agent, job_id, type, content, read)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`, msg.ID, msg.FromAgent, msg.ToAgent, msg.JobID, msg.Type, content, msg.Read)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
