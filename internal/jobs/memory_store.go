package jobs

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/activity"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/messages"
)

// QuoteConsumer stamps a pending quote accepted. quotes.Store
// satisfies it.
type QuoteConsumer interface {
	Accept(ctx context.Context, id string) error
}

// StatsSink applies completion counters and reputation scores.
// registry.Store satisfies it.
type StatsSink interface {
	AddJobStats(ctx context.Context, clientID, workerID, amount string) error
	SetReputation(ctx context.Context, agentID string, score float64) error
}

// MemoryStore is an in-memory Store for tests and local development.
// The SQL store commits a transition and its side effects in one
// transaction; here the ledger movement and the status change happen
// under one lock, and the remaining side effects are applied
// best-effort in the same order.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	bank   *ledger.Ledger
	quotes QuoteConsumer
	agents StatsSink
	inbox  messages.Store
	feed   activity.Store
}

// NewMemoryStore creates an in-memory job store moving money through
// the given ledger.
func NewMemoryStore(bank *ledger.Ledger) *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), bank: bank}
}

var _ Store = (*MemoryStore)(nil)

// WithQuotes enables quote consumption at creation.
func (m *MemoryStore) WithQuotes(q QuoteConsumer) *MemoryStore {
	m.quotes = q
	return m
}

// WithAgents enables completion counters and reputation updates.
func (m *MemoryStore) WithAgents(a StatsSink) *MemoryStore {
	m.agents = a
	return m
}

// WithInbox enables auto-message delivery.
func (m *MemoryStore) WithInbox(in messages.Store) *MemoryStore {
	m.inbox = in
	return m
}

// WithFeed enables activity feed entries.
func (m *MemoryStore) WithFeed(f activity.Store) *MemoryStore {
	m.feed = f
	return m
}

func (m *MemoryStore) CreateFunded(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := tr.Job
	if err := m.bank.LockEscrow(ctx, j.ClientAgentID, j.ID, j.EscrowAmount); err != nil {
		return err
	}
	if tr.ConsumeQuoteID != "" && m.quotes != nil {
		if err := m.quotes.Accept(ctx, tr.ConsumeQuoteID); err != nil {
			// The escrow already moved; put it back before failing.
			_ = m.bank.RefundEscrow(ctx, j.ClientAgentID, j.ID, j.EscrowAmount)
			return err
		}
	}
	m.jobs[j.ID] = cloneJob(j)
	m.sideEffects(ctx, tr)
	return nil
}

func (m *MemoryStore) Apply(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[tr.Job.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != tr.FromStatus {
		return ErrInvalidState
	}

	j := tr.Job
	switch tr.Escrow {
	case EscrowOpRelease:
		if err := m.bank.ReleaseEscrow(ctx, j.ClientAgentID, j.WorkerAgentID, j.ID, tr.Payout, j.EscrowAmount); err != nil {
			return err
		}
	case EscrowOpRefund:
		if err := m.bank.RefundEscrow(ctx, j.ClientAgentID, j.ID, j.EscrowAmount); err != nil {
			return err
		}
	}

	if tr.CompletionStats && m.agents != nil {
		if err := m.agents.AddJobStats(ctx, j.ClientAgentID, j.WorkerAgentID, j.Price); err != nil {
			return err
		}
	}
	if tr.ReputationScore != nil && m.agents != nil {
		if err := m.agents.SetReputation(ctx, j.WorkerAgentID, *tr.ReputationScore); err != nil {
			return err
		}
	}

	cp := cloneJob(j)
	cp.Deliverables = stored.Deliverables
	if tr.Deliverable != nil {
		d := cloneDeliverable(tr.Deliverable)
		cp.Deliverables = append(cp.Deliverables, d)
	}
	m.jobs[j.ID] = cp
	m.sideEffects(ctx, tr)
	return nil
}

func (m *MemoryStore) sideEffects(ctx context.Context, tr *Transition) {
	if tr.Message != nil && m.inbox != nil {
		_ = m.inbox.Insert(ctx, tr.Message)
	}
	if tr.Activity != nil && m.feed != nil {
		_ = m.feed.Insert(ctx, tr.Activity)
	}
}

// Get returns a deep copy with the full deliverable history.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

// List returns the agent's jobs, newest first, without deliverables.
func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*Job
	for _, j := range m.jobs {
		switch q.Role {
		case RoleClient:
			if j.ClientAgentID != q.AgentID {
				continue
			}
		case RoleWorker:
			if j.WorkerAgentID != q.AgentID {
				continue
			}
		default:
			if j.ClientAgentID != q.AgentID && j.WorkerAgentID != q.AgentID {
				continue
			}
		}
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		cp := cloneJob(j)
		cp.Deliverables = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListChildren returns direct sub-jobs, oldest first.
func (m *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if j.ParentJobID != parentID {
			continue
		}
		cp := cloneJob(j)
		cp.Deliverables = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func cloneJob(j *Job) *Job {
	cp := *j
	cp.InputData = maps.Clone(j.InputData)
	cp.EscrowedAt = cloneTime(j.EscrowedAt)
	cp.ReleasedAt = cloneTime(j.ReleasedAt)
	cp.RefundedAt = cloneTime(j.RefundedAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.DeliveredAt = cloneTime(j.DeliveredAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	if j.Deliverables != nil {
		cp.Deliverables = make([]*Deliverable, len(j.Deliverables))
		for i, d := range j.Deliverables {
			cp.Deliverables[i] = cloneDeliverable(d)
		}
	}
	return &cp
}

func cloneDeliverable(d *Deliverable) *Deliverable {
	dc := *d
	dc.Metadata = maps.Clone(d.Metadata)
	return &dc
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
