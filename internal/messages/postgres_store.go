package messages

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

// NewPostgresStore creates a PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the messages table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id         VARCHAR(36) PRIMARY KEY,
			from_agent VARCHAR(36) NOT NULL,
			to_agent   VARCHAR(36) NOT NULL,
			job_id     VARCHAR(36),
			type       VARCHAR(40) NOT NULL,
			content    JSONB,
			read       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(to_agent, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(to_agent) WHERE NOT read;
		CREATE INDEX IF NOT EXISTS idx_messages_job ON messages(job_id) WHERE job_id IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, msg *Message) error {
	return InsertIn(ctx, p.db, msg)
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Message, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `
		SELECT id, from_agent, to_agent, COALESCE(job_id, ''), type, content, read, created_at
		FROM messages WHERE to_agent = $1`
	args := []any{q.ToAgent}
	add := func(cond string, arg any) {
		args = append(args, arg)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}

	if q.UnreadOnly {
		query += " AND NOT read"
	}
	if q.JobID != "" {
		add("job_id = $%d", q.JobID)
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since)
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		msg := &Message{}
		var content []byte
		if err := rows.Scan(&msg.ID, &msg.FromAgent, &msg.ToAgent, &msg.JobID,
			&msg.Type, &content, &msg.Read, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &msg.Content); err != nil {
				return nil, fmt.Errorf("decode message content: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, id, toAgent string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE WHERE id = $1 AND to_agent = $2
	`, id, toAgent)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (p *PostgresStore) UnreadCount(ctx context.Context, toAgent string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE to_agent = $1 AND NOT read
	`, toAgent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
