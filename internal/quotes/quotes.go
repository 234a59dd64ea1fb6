// Package quotes implements instant rule-based price quotes for services.
//
// A client asks "what would this job cost?" and gets back a firm price
// computed from the service's advertised range and the client's budget.
// Quotes are short-lived: an accepted quote feeds job creation at the
// quoted price, an unaccepted one expires after the configured TTL.
package quotes

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/idgen"
)

var (
	// ErrQuoteNotFound is returned when a quote does not exist.
	ErrQuoteNotFound = errors.New("quotes: quote not found")

	// ErrBudgetTooLow is returned when the client's budget is below the
	// service's minimum price, so no quote can be offered.
	ErrBudgetTooLow = errors.New("quotes: budget below service minimum")

	// ErrQuoteNotUsable is returned when accepting a quote that is no
	// longer pending or has passed its valid_until deadline.
	ErrQuoteNotUsable = errors.New("quotes: quote is not usable")
)

// Quote statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusExpired  = "expired"
)

// Quote is a firm price offer for a described piece of work.
// The service's price bounds are snapshotted at quote time so later
// edits to the service listing cannot change what was offered.
type Quote struct {
	ID              string     `json:"id"`
	ServiceID       string     `json:"service_id"`
	ClientAgentID   string     `json:"client_agent_id"`
	JobDescription  string     `json:"job_description"`
	MaxPriceWilling string     `json:"max_price_willing"`
	QuotedPrice     string     `json:"quoted_price"`
	ServiceMinPrice string     `json:"service_min_price"`
	ServiceMaxPrice string     `json:"service_max_price"`
	Status          string     `json:"status"`
	ValidUntil      time.Time  `json:"valid_until"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Usable reports whether the quote can still be accepted at the given time.
func (q *Quote) Usable(now time.Time) bool {
	return q.Status == StatusPending && now.Before(q.ValidUntil)
}

// Compute prices a job against a service's advertised range and the
// client's budget. The quoted price is the midpoint of the overlap
// between [serviceMin, serviceMax] and (0, budget]. A budget below the
// service minimum yields ErrBudgetTooLow; all inputs must be positive
// decimal amounts already validated by the caller.
func Compute(serviceMin, serviceMax, budget string) (string, error) {
	if c, ok := agnt.Cmp(budget, serviceMin); !ok || c < 0 {
		return "", ErrBudgetTooLow
	}
	ceiling := serviceMax
	if c, _ := agnt.Cmp(budget, serviceMax); c < 0 {
		ceiling = budget
	}
	mid, ok := agnt.Midpoint(serviceMin, ceiling)
	if !ok {
		return "", ErrBudgetTooLow
	}
	return mid, nil
}

// Store persists quotes.
type Store interface {
	Create(ctx context.Context, q *Quote) error
	Get(ctx context.Context, id string) (*Quote, error)

	// Accept transitions a pending, unexpired quote to accepted.
	// Returns ErrQuoteNotUsable if the quote missed its window.
	Accept(ctx context.Context, id string) error

	// ExpireStale marks pending quotes past their valid_until as expired
	// and returns how many were swept.
	ExpireStale(ctx context.Context) (int, error)

	// ListByClient returns a client's quotes, newest first.
	ListByClient(ctx context.Context, clientID string, limit int) ([]*Quote, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
}

// NewMemoryStore creates an empty in-memory quote store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotes: make(map[string]*Quote)}
}

// Create stores a new quote, assigning ID and timestamps when unset.
func (m *MemoryStore) Create(ctx context.Context, q *Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q.ID == "" {
		q.ID = idgen.WithPrefix("quote_")
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if q.Status == "" {
		q.Status = StatusPending
	}
	cp := *q
	m.quotes[q.ID] = &cp
	return nil
}

// Get returns a copy of the quote. A pending quote past its deadline is
// lazily marked expired so readers never see a stale pending status.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[id]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	if q.Status == StatusPending && !time.Now().Before(q.ValidUntil) {
		q.Status = StatusExpired
	}
	cp := *q
	return &cp, nil
}

// Accept transitions a usable quote to accepted.
func (m *MemoryStore) Accept(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[id]
	if !ok {
		return ErrQuoteNotFound
	}
	now := time.Now().UTC()
	if !q.Usable(now) {
		return ErrQuoteNotUsable
	}
	q.Status = StatusAccepted
	q.AcceptedAt = &now
	return nil
}

// ExpireStale sweeps pending quotes past their deadline.
func (m *MemoryStore) ExpireStale(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for _, q := range m.quotes {
		if q.Status == StatusPending && !now.Before(q.ValidUntil) {
			q.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

// ListByClient returns the client's quotes, newest first.
func (m *MemoryStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Quote
	for _, q := range m.quotes {
		if q.ClientAgentID != clientID {
			continue
		}
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
