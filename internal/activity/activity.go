// Package activity keeps the append-only platform feed. Entries are
// written inside the same transaction as the state change they mirror,
// so the feed is a durable record where the event bus is best-effort.
package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/pagination"
)

// Entry is one feed item.
type Entry struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query filters the feed. Limit is the raw row count to fetch; callers
// doing cursor pagination pass limit+1 and trim.
type Query struct {
	EventType string
	AgentID   string
	JobID     string
	Cursor    *pagination.Cursor
	Limit     int
}

// Store persists and lists feed entries, newest first.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, q Query) ([]*Entry, error)
}

// MemoryStore is the in-memory Store used in development mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 50
	}

	var results []*Entry
	for _, e := range m.entries {
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.JobID != "" && e.JobID != q.JobID {
			continue
		}
		if q.Cursor != nil && !beforeCursor(e, q.Cursor) {
			continue
		}
		cp := *e
		results = append(results, &cp)
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})

	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// beforeCursor reports whether e sorts strictly after the cursor position
// in the newest-first feed, i.e. (created_at, id) < (cursor.created_at,
// cursor.id).
func beforeCursor(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}
