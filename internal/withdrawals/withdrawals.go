// Package withdrawals moves settled AGNT off the platform ledger and
// back on-chain.
//
// A withdrawal debits the agent's available balance up front, gross of
// the platform fee, and hands the net amount to an Executor. Execution
// failures refund the gross debit; the ledger never shows money in two
// places.
package withdrawals

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/agora/internal/agnt"
)

var (
	// ErrNotFound is returned when a withdrawal does not exist or belongs
	// to another agent.
	ErrNotFound = errors.New("withdrawals: withdrawal not found")

	// ErrBelowMinimum is returned when the requested amount is under the
	// configured floor.
	ErrBelowMinimum = errors.New("withdrawals: amount below minimum")

	// ErrRateLimited is returned when the agent has exhausted its hourly
	// withdrawal allowance.
	ErrRateLimited = errors.New("withdrawals: hourly withdrawal limit reached")

	// ErrInvalidAddress is returned for a malformed recipient address.
	ErrInvalidAddress = errors.New("withdrawals: invalid recipient address")

	// ErrStatusConflict is returned when a status flip loses to another
	// writer.
	ErrStatusConflict = errors.New("withdrawals: withdrawal is not in the expected status")
)

// Withdrawal statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Withdrawal is one request to move AGNT off the ledger. Amount is the
// gross figure debited from the agent; Fee stays with the platform and
// the remainder goes on-chain.
type Withdrawal struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agent_id"`
	Amount           string     `json:"amount"`
	Fee              string     `json:"fee"`
	RecipientAddress string     `json:"recipient_address"`
	Status           string     `json:"status"`
	TxHash           string     `json:"tx_hash,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Net returns the payout after fee as an 8dp string.
func (w *Withdrawal) Net() string {
	amount, ok := agnt.Parse(w.Amount)
	if !ok {
		return "0.00000000"
	}
	fee, ok := agnt.Parse(w.Fee)
	if !ok {
		return "0.00000000"
	}
	return agnt.Format(new(big.Int).Sub(amount, fee))
}

// Store persists withdrawals. The money-moving methods pair the status
// write with its ledger movement so neither can land alone.
type Store interface {
	// CreateDebited inserts the pending row and debits the gross amount
	// from the agent's available balance as one unit. On any failure,
	// including insufficient funds, no row is written.
	CreateDebited(ctx context.Context, w *Withdrawal) error

	// ClaimProcessing flips pending to processing. A row in any other
	// status returns ErrStatusConflict.
	ClaimProcessing(ctx context.Context, id string) error

	// MarkCompleted flips processing to completed and records the hash.
	MarkCompleted(ctx context.Context, id, txHash string, completedAt time.Time) error

	// MarkFailedRefunded flips processing to failed and refunds the
	// gross debit in the same unit.
	MarkFailedRefunded(ctx context.Context, id, reason string) error

	// Get returns one withdrawal.
	Get(ctx context.Context, id string) (*Withdrawal, error)

	// List returns an agent's withdrawals, newest first.
	List(ctx context.Context, agentID string, limit, offset int) ([]*Withdrawal, error)

	// CountSince counts an agent's withdrawals created at or after the
	// cutoff, regardless of status. Feeds the hourly rate limit.
	CountSince(ctx context.Context, agentID string, since time.Time) (int, error)
}
