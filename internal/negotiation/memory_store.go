package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu           sync.RWMutex
	negotiations map[string]*Negotiation
}

// NewMemoryStore creates an empty in-memory negotiation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{negotiations: make(map[string]*Negotiation)}
}

// Create stores a new negotiation with its opening offer.
func (m *MemoryStore) Create(ctx context.Context, n *Negotiation, opening *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clone(n)
	if opening != nil {
		o := *opening
		cp.Offers = []*Offer{&o}
	}
	m.negotiations[n.ID] = cp
	return nil
}

// Get returns a deep copy with the full offer history.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.negotiations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(n), nil
}

// Update applies the negotiation's mutable fields and appends the
// offer, but only if the stored row is still active at fromRound.
func (m *MemoryStore) Update(ctx context.Context, n *Negotiation, offer *Offer, fromRound int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.negotiations[n.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != StatusActive || stored.RoundCount != fromRound {
		return ErrConflict
	}
	stored.Status = n.Status
	stored.CurrentPrice = n.CurrentPrice
	stored.CurrentProposer = n.CurrentProposer
	stored.RoundCount = n.RoundCount
	stored.AgreedAt = n.AgreedAt
	stored.UpdatedAt = n.UpdatedAt
	if offer != nil {
		o := *offer
		stored.Offers = append(stored.Offers, &o)
	}
	return nil
}

// ListByAgent returns the agent's negotiations, newest first, without
// offer history.
func (m *MemoryStore) ListByAgent(ctx context.Context, q Query) ([]*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*Negotiation
	for _, n := range m.negotiations {
		if n.ClientAgentID != q.AgentID && n.WorkerAgentID != q.AgentID {
			continue
		}
		if q.Status != "" && n.Status != q.Status {
			continue
		}
		cp := clone(n)
		cp.Offers = nil
		out = append(out, cp)
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

// ExpireStale flips overdue active negotiations to expired.
func (m *MemoryStore) ExpireStale(ctx context.Context) ([]*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var expired []*Negotiation
	for _, n := range m.negotiations {
		if n.Status != StatusActive || now.Before(n.ExpiresAt) {
			continue
		}
		n.Status = StatusExpired
		n.UpdatedAt = now.UTC()
		cp := clone(n)
		cp.Offers = nil
		expired = append(expired, cp)
	}
	return expired, nil
}

func clone(n *Negotiation) *Negotiation {
	cp := *n
	if n.AgreedAt != nil {
		t := *n.AgreedAt
		cp.AgreedAt = &t
	}
	if n.Offers != nil {
		cp.Offers = make([]*Offer, len(n.Offers))
		for i, o := range n.Offers {
			oc := *o
			cp.Offers[i] = &oc
		}
	}
	return &cp
}
