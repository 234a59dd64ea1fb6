package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store over PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the activity table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS activity_log (
			id         VARCHAR(36) PRIMARY KEY,
			event_type VARCHAR(40) NOT NULL,
			agent_id   VARCHAR(36),
			job_id     VARCHAR(36),
			data       JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_activity_feed ON activity_log(created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity_log(agent_id) WHERE agent_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_activity_job ON activity_log(job_id) WHERE job_id IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	return InsertIn(ctx, p.db, e)
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `
		SELECT id, event_type, COALESCE(agent_id, ''), COALESCE(job_id, ''), data, created_at
		FROM activity_log WHERE TRUE`
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}

	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.JobID != "" {
		add("job_id = $%d", q.JobID)
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e := &Entry{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.AgentID, &e.JobID, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode activity data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
