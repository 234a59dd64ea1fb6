package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/idgen"
)

// Queryer is the subset of database/sql shared by *sql.DB and *sql.Tx.
// The exported *In functions run against it so that other packages (jobs,
// payments, withdrawals) can fold balance movement into their own
// transaction and commit state plus money as one unit.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreditIn adds amount to the agent's available balance, creating the
// account row on first credit.
func CreditIn(ctx context.Context, q Queryer, agentID, amount, currency string, meta Meta) error {
	if currency == "" {
		currency = Currency
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO agent_balances (agent_id, available, escrow, updated_at)
		VALUES ($1, $2::NUMERIC(30,8), 0, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			available = agent_balances.available + $2::NUMERIC(30,8),
			updated_at = NOW()
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return insertEntry(ctx, q, &Entry{
		AgentID:  agentID,
		Type:     EntryCredit,
		Amount:   amount,
		Currency: currency,
		Metadata: meta,
	})
}

// LockEscrowIn moves amount from available to escrow on the client's row.
// Returns ErrInsufficientFunds without writing anything when available
// does not cover amount, and ErrAccountNotFound when the client has never
// been credited.
func LockEscrowIn(ctx context.Context, q Queryer, clientID, jobID, amount string) error {
	amountBig, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	available, _, err := lockBalance(ctx, q, clientID)
	if err != nil {
		return err
	}
	if available.Cmp(amountBig) < 0 {
		return ErrInsufficientFunds
	}
	_, err = q.ExecContext(ctx, `
		UPDATE agent_balances
		SET available = available - $2::NUMERIC(30,8),
		    escrow = escrow + $2::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE agent_id = $1
	`, clientID, amount)
	if err != nil {
		return fmt.Errorf("lock escrow: %w", err)
	}
	return insertEntry(ctx, q, &Entry{
		AgentID:  clientID,
		JobID:    jobID,
		Type:     EntryEscrowLock,
		Amount:   amount,
		Currency: Currency,
	})
}

// ReleaseEscrowIn settles escrowTotal held by the client: payout goes to
// the worker's available, the remainder back to the client's available.
// Both rows are locked in ascending agent-id order.
func ReleaseEscrowIn(ctx context.Context, q Queryer, clientID, workerID, jobID, payout, escrowTotal string) error {
	payoutBig, ok := agnt.Parse(payout)
	if !ok || payoutBig.Sign() < 0 {
		return ErrInvalidAmount
	}
	totalBig, ok := agnt.Parse(escrowTotal)
	if !ok {
		return ErrInvalidAmount
	}
	if payoutBig.Cmp(totalBig) > 0 {
		return ErrInvalidPayout
	}
	remainder := new(big.Int).Sub(totalBig, payoutBig)

	if err := ensureAccount(ctx, q, workerID); err != nil {
		return err
	}
	balances, err := lockBalances(ctx, q, clientID, workerID)
	if err != nil {
		return err
	}
	if balances[clientID].escrow.Cmp(totalBig) < 0 {
		return ErrEscrowInsufficient
	}

	_, err = q.ExecContext(ctx, `
		UPDATE agent_balances
		SET escrow = escrow - $2::NUMERIC(30,8),
		    available = available + $3::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE agent_id = $1
	`, clientID, escrowTotal, agnt.Format(remainder))
	if err != nil {
		return fmt.Errorf("release escrow (client): %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE agent_balances
		SET available = available + $2::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE agent_id = $1
	`, workerID, payout)
	if err != nil {
		return fmt.Errorf("release escrow (worker): %w", err)
	}
	if err := insertEntry(ctx, q, &Entry{
		AgentID:        clientID,
		CounterpartyID: workerID,
		JobID:          jobID,
		Type:           EntryEscrowRelease,
		Amount:         payout,
		Currency:       Currency,
	}); err != nil {
		return err
	}
	if remainder.Sign() > 0 {
		return insertEntry(ctx, q, &Entry{
			AgentID:  clientID,
			JobID:    jobID,
			Type:     EntryEscrowRefund,
			Amount:   agnt.Format(remainder),
			Currency: Currency,
		})
	}
	return nil
}

// RefundEscrowIn returns amount from the client's escrow to available.
func RefundEscrowIn(ctx context.Context, q Queryer, clientID, jobID, amount string) error {
	amountBig, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	_, escrow, err := lockBalance(ctx, q, clientID)
	if err != nil {
		return err
	}
	if escrow.Cmp(amountBig) < 0 {
		return ErrEscrowInsufficient
	}
	_, err = q.ExecContext(ctx, `
		UPDATE agent_balances
		SET escrow = escrow - $2::NUMERIC(30,8),
		    available = available + $2::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE agent_id = $1
	`, clientID, amount)
	if err != nil {
		return fmt.Errorf("refund escrow: %w", err)
	}
	return insertEntry(ctx, q, &Entry{
		AgentID:  clientID,
		JobID:    jobID,
		Type:     EntryEscrowRefund,
		Amount:   amount,
		Currency: Currency,
	})
}

// DebitIn removes amount from the agent's available balance.
func DebitIn(ctx context.Context, q Queryer, agentID, amount string, meta Meta) error {
	amountBig, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	available, _, err := lockBalance(ctx, q, agentID)
	if err != nil {
		return err
	}
	if available.Cmp(amountBig) < 0 {
		return ErrInsufficientFunds
	}
	_, err = q.ExecContext(ctx, `
		UPDATE agent_balances
		SET available = available - $2::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE agent_id = $1
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	return insertEntry(ctx, q, &Entry{
		AgentID:  agentID,
		Type:     EntryWithdrawal,
		Amount:   amount,
		Currency: Currency,
		Metadata: meta,
	})
}

// RefundDebitIn reverses an earlier debit.
func RefundDebitIn(ctx context.Context, q Queryer, agentID, amount string, meta Meta) error {
	if _, ok := agnt.Parse(amount); !ok {
		return ErrInvalidAmount
	}
	res, err := q.ExecContext(ctx, `
		UPDATE agent_balances
		SET available = available + $2::NUMERIC(30,8),
		    updated_at = NOW()
		WHERE agent_id = $1
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("refund debit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return insertEntry(ctx, q, &Entry{
		AgentID:  agentID,
		Type:     EntryWithdrawalRefund,
		Amount:   amount,
		Currency: Currency,
		Metadata: meta,
	})
}

func ensureAccount(ctx context.Context, q Queryer, agentID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO agent_balances (agent_id, available, escrow, updated_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (agent_id) DO NOTHING
	`, agentID)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// lockBalance takes a row lock on one agent and returns the parsed pair.
func lockBalance(ctx context.Context, q Queryer, agentID string) (available, escrow *big.Int, err error) {
	var availableStr, escrowStr string
	err = q.QueryRowContext(ctx, `
		SELECT available::TEXT, escrow::TEXT
		FROM agent_balances
		WHERE agent_id = $1
		FOR UPDATE
	`, agentID).Scan(&availableStr, &escrowStr)
	if err == sql.ErrNoRows {
		return nil, nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock balance: %w", err)
	}
	available, ok := agnt.Parse(availableStr)
	if !ok {
		return nil, nil, fmt.Errorf("lock balance: malformed available %q", availableStr)
	}
	escrow, ok = agnt.Parse(escrowStr)
	if !ok {
		return nil, nil, fmt.Errorf("lock balance: malformed escrow %q", escrowStr)
	}
	return available, escrow, nil
}

type lockedBalance struct {
	available *big.Int
	escrow    *big.Int
}

// lockBalances locks several agent rows in ascending id order so that
// concurrent settlements touching the same pair cannot deadlock.
func lockBalances(ctx context.Context, q Queryer, agentIDs ...string) (map[string]lockedBalance, error) {
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)
	out := make(map[string]lockedBalance, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		available, escrow, err := lockBalance(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out[id] = lockedBalance{available: available, escrow: escrow}
	}
	return out, nil
}

func insertEntry(ctx context.Context, q Queryer, e *Entry) error {
	var metaJSON any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal entry metadata: %w", err)
		}
		metaJSON = string(b)
	}
	if e.ID == "" {
		e.ID = idgen.New()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, job_id, agent_id, counterparty_agent_id, type, amount, currency, metadata, created_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6::NUMERIC(30,8), $7, $8, NOW())
	`, e.ID, e.JobID, e.AgentID, e.CounterpartyID, e.Type, e.Amount, e.Currency, metaJSON)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
