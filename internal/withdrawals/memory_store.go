package withdrawals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/ledger"
)

// MemoryStore is an in-memory Store for tests and local development.
// The ledger movement and the row write happen under one lock, matching
// the SQL store's single transaction.
type MemoryStore struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
	bank        *ledger.Ledger
}

// NewMemoryStore creates an in-memory withdrawal store moving money
// through the given ledger.
func NewMemoryStore(bank *ledger.Ledger) *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal), bank: bank}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateDebited(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := ledger.Meta{"withdrawal_id": w.ID, "recipient": w.RecipientAddress}
	if err := m.bank.Debit(ctx, w.AgentID, w.Amount, meta); err != nil {
		return err
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimProcessing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != StatusPending {
		return ErrStatusConflict
	}
	w.Status = StatusProcessing
	return nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id, txHash string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != StatusProcessing {
		return ErrStatusConflict
	}
	w.Status = StatusCompleted
	w.TxHash = txHash
	t := completedAt.UTC()
	w.CompletedAt = &t
	w.FailureReason = ""
	return nil
}

func (m *MemoryStore) MarkFailedRefunded(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != StatusProcessing {
		return ErrStatusConflict
	}
	meta := ledger.Meta{"withdrawal_id": w.ID, "reason": reason}
	if err := m.bank.RefundDebit(ctx, w.AgentID, w.Amount, meta); err != nil {
		return err
	}
	w.Status = StatusFailed
	w.FailureReason = reason
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, agentID string, limit, offset int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.AgentID != agentID {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, w := range m.withdrawals {
		if w.AgentID == agentID && !w.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
