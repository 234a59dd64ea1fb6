// Package ledger is the single authority for balance movement.
//
// Every agent has two scalars: available and escrow. Each mutation runs
// inside one transactional critical section that locks the affected agent
// rows in ascending agent-id order, performs the arithmetic, appends
// journal entries, and commits as a unit. The journal is append-only and
// is the source of truth for audits.
//
// Flow:
//  1. Verified payments credit available
//  2. Job creation locks price from available into escrow
//  3. Completion releases escrow to the worker's available
//  4. Cancellation/failure refunds escrow to the client's available
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/metrics"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrAccountNotFound    = errors.New("ledger: account not found")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrInvalidCurrency    = errors.New("ledger: unsupported currency")
	ErrEscrowInsufficient = errors.New("ledger: escrow balance below requested amount")
	ErrInvalidPayout      = errors.New("ledger: payout exceeds escrow total")
)

// Currency is the single unit all balances are denominated in.
const Currency = "AGNT"

// Journal entry types.
const (
	EntryCredit           = "credit"
	EntryEscrowLock       = "escrow_lock"
	EntryEscrowRelease    = "escrow_release"
	EntryEscrowRefund     = "escrow_refund"
	EntryWithdrawal       = "withdrawal"
	EntryWithdrawalRefund = "withdrawal_refund"
)

// Meta is free-form journal metadata (tx hashes, reasons, withdrawal ids).
type Meta map[string]any

// Entry is one immutable journal row.
type Entry struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id,omitempty"`
	AgentID        string    `json:"agent_id"`
	CounterpartyID string    `json:"counterparty_agent_id,omitempty"`
	Type           string    `json:"type"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Metadata       Meta      `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Balance is an agent's current position.
type Balance struct {
	AgentID   string    `json:"agent_id"`
	Available string    `json:"available"`
	Escrow    string    `json:"escrow"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditRow compares stored balances against the journal for one agent.
type AuditRow struct {
	AgentID    string `json:"agent_id"`
	Available  string `json:"available"`
	Escrow     string `json:"escrow"`
	JournalNet string `json:"journal_net"` // signed sum over all entries
	Drift      string `json:"drift"`       // (available+escrow) - journal_net
}

// Store persists balances and the journal.
type Store interface {
	Balance(ctx context.Context, agentID string) (*Balance, error)
	Credit(ctx context.Context, agentID, amount, currency string, meta Meta) error
	Debit(ctx context.Context, agentID, amount string, meta Meta) error
	RefundDebit(ctx context.Context, agentID, amount string, meta Meta) error
	LockEscrow(ctx context.Context, clientID, jobID, amount string) error
	ReleaseEscrow(ctx context.Context, clientID, workerID, jobID, payout, escrowTotal string) error
	RefundEscrow(ctx context.Context, clientID, jobID, amount string) error
	Entries(ctx context.Context, agentID string, limit, offset int) ([]*Entry, error)
	EntriesForJob(ctx context.Context, jobID string) ([]*Entry, error)
	Audit(ctx context.Context) ([]AuditRow, error)
}

// Ledger validates amounts and delegates the critical sections to its store.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns the agent's current position. Unknown agents read as zero.
func (l *Ledger) Balance(ctx context.Context, agentID string) (*Balance, error) {
	return l.store.Balance(ctx, agentID)
}

// Credit increments the agent's available balance.
func (l *Ledger) Credit(ctx context.Context, agentID, amount, currency string, meta Meta) error {
	if _, ok := agnt.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	if currency == "" {
		currency = Currency
	}
	if currency != Currency {
		return ErrInvalidCurrency
	}
	if err := l.store.Credit(ctx, agentID, amount, currency, meta); err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(EntryCredit).Inc()
	return nil
}

// LockEscrow moves amount from the client's available into escrow against
// the given job. Fails with ErrInsufficientFunds when available < amount.
func (l *Ledger) LockEscrow(ctx context.Context, clientID, jobID, amount string) error {
	if _, ok := agnt.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	if err := l.store.LockEscrow(ctx, clientID, jobID, amount); err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(EntryEscrowLock).Inc()
	return nil
}

// ReleaseEscrow settles a funded job: the client's escrow drops by
// escrowTotal, the worker's available rises by payout, and any remainder
// returns to the client's available.
func (l *Ledger) ReleaseEscrow(ctx context.Context, clientID, workerID, jobID, payout, escrowTotal string) error {
	payoutBig, ok := agnt.Parse(payout)
	if !ok || payoutBig.Sign() < 0 {
		return ErrInvalidAmount
	}
	totalBig, ok := agnt.ParsePositive(escrowTotal)
	if !ok {
		return ErrInvalidAmount
	}
	if payoutBig.Cmp(totalBig) > 0 {
		return ErrInvalidPayout
	}
	if err := l.store.ReleaseEscrow(ctx, clientID, workerID, jobID, payout, escrowTotal); err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(EntryEscrowRelease).Inc()
	return nil
}

// RefundEscrow returns the full locked amount to the client's available.
func (l *Ledger) RefundEscrow(ctx context.Context, clientID, jobID, amount string) error {
	if _, ok := agnt.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	if err := l.store.RefundEscrow(ctx, clientID, jobID, amount); err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(EntryEscrowRefund).Inc()
	return nil
}

// Debit decrements available (withdrawals). Fails with ErrInsufficientFunds.
func (l *Ledger) Debit(ctx context.Context, agentID, amount string, meta Meta) error {
	if _, ok := agnt.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	if err := l.store.Debit(ctx, agentID, amount, meta); err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(EntryWithdrawal).Inc()
	return nil
}

// RefundDebit reverses a debit after a failed downstream execution.
func (l *Ledger) RefundDebit(ctx context.Context, agentID, amount string, meta Meta) error {
	if _, ok := agnt.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	if err := l.store.RefundDebit(ctx, agentID, amount, meta); err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(EntryWithdrawalRefund).Inc()
	return nil
}

// CanSpend reports whether available covers amount. Read-only; callers
// must not treat it as a reservation.
func (l *Ledger) CanSpend(ctx context.Context, agentID, amount string) (bool, error) {
	amountBig, ok := agnt.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}
	bal, err := l.store.Balance(ctx, agentID)
	if err != nil {
		return false, err
	}
	availableBig, _ := agnt.Parse(bal.Available)
	return availableBig.Cmp(amountBig) >= 0, nil
}

// Entries returns the agent's journal, newest first.
func (l *Ledger) Entries(ctx context.Context, agentID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.Entries(ctx, agentID, limit, offset)
}

// EntriesForJob returns every journal row referencing the job.
func (l *Ledger) EntriesForJob(ctx context.Context, jobID string) ([]*Entry, error) {
	return l.store.EntriesForJob(ctx, jobID)
}

// Audit recomputes each agent's position from the journal.
func (l *Ledger) Audit(ctx context.Context) ([]AuditRow, error) {
	return l.store.Audit(ctx)
}
