// Package messages delivers auto-generated inbox records. The core
// writes one for every job and negotiation transition the counterparty
// should hear about, inside the transaction that made the change.
package messages

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/pagination"
)

// ErrMessageNotFound is returned for unknown message IDs, including
// messages owned by someone else.
var ErrMessageNotFound = errors.New("messages: message not found")

// Message types.
const (
	TypeJobCreated         = "job_created"
	TypeJobStarted         = "job_started"
	TypeWorkDelivered      = "work_delivered"
	TypeRevisionRequested  = "revision_requested"
	TypeJobCompleted       = "job_completed"
	TypeJobCancelled       = "job_cancelled"
	TypeJobFailed          = "job_failed"
	TypeRatingReceived     = "rating_received"
	TypeNegotiationStarted = "negotiation_started"
	TypeNegotiationAgreed  = "negotiation_agreed"
)

// Message is one inbox record.
type Message struct {
	ID        string         `json:"id"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	JobID     string         `json:"job_id,omitempty"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query filters an agent's inbox. Limit is the raw row count to fetch;
// callers doing cursor pagination pass limit+1 and trim.
type Query struct {
	ToAgent    string
	UnreadOnly bool
	JobID      string
	Since      time.Time
	Cursor     *pagination.Cursor
	Limit      int
}

// Store persists and lists inbox messages, newest first.
type Store interface {
	Insert(ctx context.Context, msg *Message) error
	List(ctx context.Context, q Query) ([]*Message, error)

	// MarkRead flips the read flag. The recipient is part of the key so
	// agents cannot touch each other's inboxes.
	MarkRead(ctx context.Context, id, toAgent string) error
	UnreadCount(ctx context.Context, toAgent string) (int, error)
}

// MemoryStore is the in-memory Store used in development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = idgen.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 50
	}

	var results []*Message
	for _, msg := range m.messages {
		if msg.ToAgent != q.ToAgent {
			continue
		}
		if q.UnreadOnly && msg.Read {
			continue
		}
		if q.JobID != "" && msg.JobID != q.JobID {
			continue
		}
		if !q.Since.IsZero() && msg.CreatedAt.Before(q.Since) {
			continue
		}
		if q.Cursor != nil && !beforeCursor(msg, q.Cursor) {
			continue
		}
		cp := *msg
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

func (m *MemoryStore) MarkRead(ctx context.Context, id, toAgent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.ToAgent != toAgent {
		return ErrMessageNotFound
	}
	msg.Read = true
	return nil
}

func (m *MemoryStore) UnreadCount(ctx context.Context, toAgent string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, msg := range m.messages {
		if msg.ToAgent == toAgent && !msg.Read {
			n++
		}
	}
	return n, nil
}

func beforeCursor(msg *Message, c *pagination.Cursor) bool {
	if msg.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return msg.CreatedAt.Equal(c.CreatedAt) && msg.ID < c.ID
}
