// Package payments admits external on-chain payments into the internal
// ledger exactly once. Every submitted transaction hash gets a tracking
// row that moves monotonically through pending, verified, credited, with
// failed as the retryable dead end. Replay of a credited hash is
// rejected; replay of a verified hash completes the crashed credit.
package payments

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/idgen"
)

// Transaction statuses.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusCredited = "credited"
	StatusFailed   = "failed"
)

// Transaction types.
const (
	TypeTopUp  = "top_up"
	TypeP2P    = "p2p"
	TypeRefund = "refund"
)

var (
	// ErrNotFound means no transaction row exists for the hash.
	ErrNotFound = errors.New("payments: transaction not found")

	// ErrDuplicateHash means another submission holds the hash's row.
	ErrDuplicateHash = errors.New("payments: transaction hash already submitted")

	// ErrAlreadyProcessed rejects replay of a credited hash.
	ErrAlreadyProcessed = errors.New("payments: transaction already credited")

	// ErrVerificationFailed covers every on-chain rejection: missing
	// receipt, reverted execution, recipient or amount mismatch.
	ErrVerificationFailed = errors.New("payments: on-chain verification failed")

	// ErrNoRecipient means a p2p verification came without a recipient.
	ErrNoRecipient = errors.New("payments: p2p payment requires recipient_agent_id")

	// ErrNoWallet means the p2p recipient has no wallet address on file.
	ErrNoWallet = errors.New("payments: recipient agent has no wallet address")

	// ErrUnsupportedType rejects transaction types the verifier cannot
	// credit.
	ErrUnsupportedType = errors.New("payments: unsupported transaction type")
)

// Transaction is one tracked payment submission, keyed by the globally
// unique external transaction hash.
type Transaction struct {
	ID               string     `json:"id"`
	TxHash           string     `json:"tx_hash"`
	Amount           string     `json:"amount"`
	Currency         string     `json:"currency"`
	Type             string     `json:"transaction_type"`
	Status           string     `json:"status"`
	InitiatorAgentID string     `json:"initiator_agent_id"`
	RecipientAgentID string     `json:"recipient_agent_id,omitempty"`
	FromAddress      string     `json:"from_address,omitempty"`
	ToAddress        string     `json:"to_address"`
	TokenAddress     string     `json:"token_address"`
	BlockNumber      uint64     `json:"block_number,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	CreditedAt       *time.Time `json:"credited_at,omitempty"`
}

// Party reports whether the agent initiated or receives this payment.
func (t *Transaction) Party(agentID string) bool {
	return agentID == t.InitiatorAgentID || (t.RecipientAgentID != "" && agentID == t.RecipientAgentID)
}

// Query filters transaction listings.
type Query struct {
	AgentID string // initiator or recipient
	Status  string
	Limit   int
	Offset  int
}

// Store persists payment transactions. Create must enforce tx_hash
// uniqueness and return ErrDuplicateHash on collision; that index is
// what linearizes concurrent verifications of the same hash.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByHash(ctx context.Context, txHash string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, q Query) ([]*Transaction, error)

	// MarkCredited flips a verified row to credited, guarded so the
	// transition happens at most once per hash. Returns false when the
	// row is missing or no longer verified (a concurrent submission won
	// the race).
	MarkCredited(ctx context.Context, id string, at time.Time) (bool, error)

	// ListStuckVerified returns transactions verified before the cutoff
	// that never reached credited, oldest first.
	ListStuckVerified(ctx context.Context, before time.Time) ([]*Transaction, error)
}

// MemoryStore is the in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(tx.TxHash)
	if _, exists := m.byHash[key]; exists {
		return ErrDuplicateHash
	}
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("pay_")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	cp := *tx
	m.byHash[key] = &cp
	return nil
}

func (m *MemoryStore) GetByHash(ctx context.Context, txHash string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byHash[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(tx.TxHash)
	if _, ok := m.byHash[key]; !ok {
		return ErrNotFound
	}
	cp := *tx
	m.byHash[key] = &cp
	return nil
}

func (m *MemoryStore) MarkCredited(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.byHash {
		if tx.ID != id {
			continue
		}
		if tx.Status != StatusVerified {
			return false, nil
		}
		tx.Status = StatusCredited
		credited := at
		tx.CreditedAt = &credited
		tx.FailureReason = ""
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, tx := range m.byHash {
		if tx.ID == id {
			delete(m.byHash, key)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.byHash {
		if q.AgentID != "" && !tx.Party(q.AgentID) {
			continue
		}
		if q.Status != "" && tx.Status != q.Status {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStuckVerified(ctx context.Context, before time.Time) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.byHash {
		if tx.Status != StatusVerified || tx.VerifiedAt == nil || !tx.VerifiedAt.Before(before) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].VerifiedAt.Before(*out[j].VerifiedAt)
	})
	return out, nil
}
