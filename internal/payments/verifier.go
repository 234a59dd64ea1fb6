package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/chain"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/syncutil"
	"github.com/mbd888/agora/internal/traces"
	"github.com/mbd888/agora/internal/validation"
)

// WalletSource resolves recipient agents for p2p payments.
type WalletSource interface {
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
}

// Config carries the chain addresses the verifier matches against.
type Config struct {
	PlatformWallet string // expected recipient of top_up deposits
	TokenAddress   string // default ERC-20 contract when requests omit one
}

// Verifier admits on-chain payments into the ledger. A per-hash lock
// serializes concurrent submissions in-process; the store's unique index
// on tx_hash plus MarkCredited's compare-and-set linearize everything
// else.
type Verifier struct {
	store  Store
	bank   *ledger.Ledger
	chain  chain.ReceiptProvider
	agents WalletSource
	bus    *events.Bus
	logger *slog.Logger
	locks  *syncutil.ContextShardedMutex
	cfg    Config
}

// NewVerifier wires a payment verifier.
func NewVerifier(store Store, bank *ledger.Ledger, provider chain.ReceiptProvider, agents WalletSource, bus *events.Bus, logger *slog.Logger, cfg Config) *Verifier {
	return &Verifier{
		store:  store,
		bank:   bank,
		chain:  provider,
		agents: agents,
		bus:    bus,
		logger: logger,
		locks:  syncutil.NewContextShardedMutex(),
		cfg:    cfg,
	}
}

// VerifyRequest is one payment submission.
type VerifyRequest struct {
	TxHash           string `json:"tx_hash"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Type             string `json:"transaction_type"`
	RecipientAgentID string `json:"recipient_agent_id,omitempty"`
	TokenAddress     string `json:"token_address,omitempty"`
}

// Result is a successful verification: the credited transaction plus the
// target agent's fresh balance.
type Result struct {
	Transaction     *Transaction    `json:"transaction"`
	CreditedAgentID string          `json:"credited_agent_id"`
	NewBalance      *ledger.Balance `json:"new_balance,omitempty"`
}

// Verify checks the submitted hash on chain and credits the appropriate
// agent exactly once.
//
// Replay outcomes: a credited hash fails with ErrAlreadyProcessed; a
// verified hash re-enters the credit step (recovery of a crashed
// credit); a failed or abandoned pending hash is cleared and retried
// from scratch.
func (v *Verifier) Verify(ctx context.Context, initiatorID string, req VerifyRequest) (*Result, error) {
	hash := validation.SanitizeTxHash(req.TxHash)

	ctx, span := traces.StartSpan(ctx, "payments.Verify",
		traces.TxHash(hash), traces.AgentID(initiatorID))
	defer span.End()

	unlock, err := v.locks.LockContext(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch existing, err := v.store.GetByHash(ctx, hash); {
	case err == nil:
		switch existing.Status {
		case StatusCredited:
			v.logger.Warn("replay of credited payment rejected",
				"tx_hash", hash, "initiator_id", initiatorID)
			metrics.PaymentsTotal.WithLabelValues("replayed").Inc()
			return nil, ErrAlreadyProcessed
		case StatusVerified:
			v.logger.Info("resuming crashed credit", "tx_hash", hash)
			return v.completeCredit(ctx, existing)
		default:
			// failed, or a pending row nobody is working on (the
			// per-hash lock is held): clear it and start over.
			if err := v.store.Delete(ctx, existing.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("payments: clear retryable transaction: %w", err)
			}
		}
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("payments: replay lookup: %w", err)
	}

	txType := req.Type
	if txType == "" {
		txType = TypeTopUp
	}
	toAddress, err := v.recipientAddress(ctx, txType, req.RecipientAgentID)
	if err != nil {
		return nil, err
	}

	amountVal, ok := agnt.ParsePositive(req.Amount)
	if !ok {
		return nil, ledger.ErrInvalidAmount
	}
	amount := agnt.Format(amountVal)

	// Only AGNT settles through the ledger.
	if req.Currency != "" && req.Currency != ledger.Currency {
		return nil, ledger.ErrInvalidCurrency
	}
	token := req.TokenAddress
	if token == "" {
		token = v.cfg.TokenAddress
	}
	token = strings.ToLower(token)

	tx := &Transaction{
		ID:               idgen.WithPrefix("pay_"),
		TxHash:           hash,
		Amount:           amount,
		Currency:         ledger.Currency,
		Type:             txType,
		Status:           StatusPending,
		InitiatorAgentID: initiatorID,
		RecipientAgentID: req.RecipientAgentID,
		ToAddress:        strings.ToLower(toAddress),
		TokenAddress:     token,
		CreatedAt:        time.Now().UTC(),
	}
	if err := v.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	receipt, err := v.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return nil, v.fail(ctx, tx, "transaction not found on chain")
		}
		v.markFailed(ctx, tx, "chain lookup failed: "+err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "chain lookup failed")
		return nil, fmt.Errorf("payments: chain lookup: %w", err)
	}
	if !receipt.Succeeded() {
		return nil, v.fail(ctx, tx, "transaction reverted on-chain")
	}

	decimals, err := v.chain.TokenDecimals(ctx, token)
	if err != nil {
		v.markFailed(ctx, tx, "token decimals lookup failed: "+err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "token decimals lookup failed")
		return nil, fmt.Errorf("payments: token decimals: %w", err)
	}

	wantTo := common.HexToAddress(toAddress)
	sawRecipient := false
	var matched *chain.Transfer
	for _, tr := range receipt.Transfers(common.HexToAddress(token)) {
		if tr.To != wantTo {
			continue
		}
		sawRecipient = true
		// Scale the chain value down to AGNT units and compare exactly.
		// A value with sub-AGNT precision cannot equal any submitted
		// amount, so the lossy rescale is a mismatch too.
		moved, ok := agnt.FromTokenUnits(tr.Value, decimals)
		if ok && moved.Cmp(amountVal) == 0 {
			matched = tr
			break
		}
	}
	if matched == nil {
		if sawRecipient {
			return nil, v.fail(ctx, tx, "amount mismatch")
		}
		return nil, v.fail(ctx, tx, "no transfer to expected recipient")
	}

	now := time.Now().UTC()
	tx.Status = StatusVerified
	tx.VerifiedAt = &now
	tx.BlockNumber = receipt.BlockNumber
	if receipt.From != (common.Address{}) {
		tx.FromAddress = strings.ToLower(receipt.From.Hex())
	}
	if err := v.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("payments: persist verified status: %w", err)
	}

	v.logger.Info("payment verified on chain",
		"tx_hash", hash,
		"block_number", receipt.BlockNumber,
		"amount", amount,
		"transaction_type", txType)

	return v.completeCredit(ctx, tx)
}

// Get returns a transaction by hash, visible to its parties only.
func (v *Verifier) Get(ctx context.Context, txHash, agentID string) (*Transaction, error) {
	tx, err := v.store.GetByHash(ctx, validation.SanitizeTxHash(txHash))
	if err != nil {
		return nil, err
	}
	if !tx.Party(agentID) {
		return nil, ErrNotFound
	}
	return tx, nil
}

// History lists the agent's transactions, newest first.
func (v *Verifier) History(ctx context.Context, agentID, status string, limit, offset int) ([]*Transaction, error) {
	return v.store.List(ctx, Query{AgentID: agentID, Status: status, Limit: limit, Offset: offset})
}

// RecoverStuck re-drives verified transactions whose credit never
// landed. Returns the number credited.
func (v *Verifier) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := v.store.ListStuckVerified(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("payments: list stuck transactions: %w", err)
	}

	recovered := 0
	for _, tx := range stuck {
		unlock, err := v.locks.LockContext(ctx, tx.TxHash)
		if err != nil {
			return recovered, err
		}
		_, err = v.completeCredit(ctx, tx)
		unlock()
		if err != nil {
			v.logger.Warn("stuck payment recovery failed",
				"tx_hash", tx.TxHash, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		v.logger.Info("recovered stuck payments", "count", recovered)
	}
	return recovered, nil
}

// completeCredit moves a verified transaction to credited. MarkCredited
// is a compare-and-set, so of N concurrent submissions exactly one
// performs the transition.
func (v *Verifier) completeCredit(ctx context.Context, tx *Transaction) (*Result, error) {
	target := tx.InitiatorAgentID
	if tx.Type == TypeP2P {
		target = tx.RecipientAgentID
	}
	if target == "" {
		return nil, ErrNoRecipient
	}

	meta := ledger.Meta{
		"payment_id":       tx.ID,
		"tx_hash":          tx.TxHash,
		"transaction_type": tx.Type,
	}
	if err := v.bank.Credit(ctx, target, tx.Amount, tx.Currency, meta); err != nil {
		// Stay verified: the recovery sweep or a retry finishes this.
		tx.FailureReason = "credit failed: " + err.Error()
		if uerr := v.store.Update(ctx, tx); uerr != nil {
			v.logger.Error("could not record credit failure",
				"tx_hash", tx.TxHash, "error", uerr)
		}
		v.logger.Error("payment credit failed",
			"tx_hash", tx.TxHash, "agent_id", target, "error", err)
		return nil, fmt.Errorf("payments: credit agent %s: %w", target, err)
	}

	now := time.Now().UTC()
	flipped, err := v.store.MarkCredited(ctx, tx.ID, now)
	if err != nil {
		v.logger.Error("credited but could not persist status",
			"tx_hash", tx.TxHash, "error", err)
		return nil, fmt.Errorf("payments: persist credited status: %w", err)
	}
	if !flipped {
		// A concurrent submission credited first; take ours back.
		v.logger.Error("duplicate credit detected, reversing",
			"tx_hash", tx.TxHash, "agent_id", target)
		if derr := v.bank.Debit(ctx, target, tx.Amount, ledger.Meta{
			"tx_hash": tx.TxHash,
			"reason":  "duplicate_credit_reversal",
		}); derr != nil {
			v.logger.Error("duplicate credit reversal failed",
				"tx_hash", tx.TxHash, "agent_id", target, "error", derr)
		}
		return nil, ErrAlreadyProcessed
	}

	tx.Status = StatusCredited
	tx.CreditedAt = &now
	tx.FailureReason = ""

	metrics.PaymentsTotal.WithLabelValues(StatusCredited).Inc()
	v.bus.Publish(events.TypePaymentCredited, map[string]any{
		"payment_id":       tx.ID,
		"tx_hash":          tx.TxHash,
		"agent_id":         target,
		"amount":           tx.Amount,
		"transaction_type": tx.Type,
	})
	v.logger.Info("payment credited",
		"tx_hash", tx.TxHash,
		"agent_id", target,
		"amount", tx.Amount)

	balance, err := v.bank.Balance(ctx, target)
	if err != nil {
		v.logger.Warn("balance lookup after credit failed",
			"agent_id", target, "error", err)
		balance = nil
	}
	return &Result{Transaction: tx, CreditedAgentID: target, NewBalance: balance}, nil
}

// recipientAddress resolves where the tokens must have landed.
func (v *Verifier) recipientAddress(ctx context.Context, txType, recipientID string) (string, error) {
	switch txType {
	case TypeTopUp:
		return v.cfg.PlatformWallet, nil
	case TypeP2P:
		if recipientID == "" {
			return "", ErrNoRecipient
		}
		agent, err := v.agents.GetAgent(ctx, recipientID)
		if err != nil {
			return "", err
		}
		if agent.WalletAddress == "" {
			return "", ErrNoWallet
		}
		return agent.WalletAddress, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, txType)
	}
}

// fail marks the row failed and wraps the reason for the caller.
func (v *Verifier) fail(ctx context.Context, tx *Transaction, reason string) error {
	v.markFailed(ctx, tx, reason)
	v.logger.Warn("payment verification failed",
		"tx_hash", tx.TxHash, "reason", reason)
	return fmt.Errorf("%w: %s", ErrVerificationFailed, reason)
}

func (v *Verifier) markFailed(ctx context.Context, tx *Transaction, reason string) {
	tx.Status = StatusFailed
	tx.FailureReason = reason
	if err := v.store.Update(ctx, tx); err != nil {
		v.logger.Error("could not persist failed payment",
			"tx_hash", tx.TxHash, "error", err)
		return
	}
	metrics.PaymentsTotal.WithLabelValues(StatusFailed).Inc()
}
