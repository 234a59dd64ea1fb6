package withdrawals

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/traces"
	"github.com/mbd888/agora/internal/validation"
)

// Limits are the withdrawal policy knobs, from config.
type Limits struct {
	Minimum     string // gross AGNT floor per request
	FeePercent  string // e.g. "0.5"
	RatePerHour int
}

// Usage reports an agent's standing against the hourly limit.
type Usage struct {
	Minimum      string `json:"min_withdrawal_amount"`
	FeePercent   string `json:"fee_percent"`
	RatePerHour  int    `json:"rate_limit_per_hour"`
	UsedThisHour int    `json:"withdrawals_used_this_hour"`
	LeftThisHour int    `json:"withdrawals_remaining_this_hour"`
}

// Service validates, debits and dispatches withdrawals. The debit is
// synchronous; execution runs in the background and settles the row to
// completed or failed-and-refunded.
type Service struct {
	store    Store
	executor Executor
	bus      *events.Bus
	logger   *slog.Logger
	limits   Limits

	inflight sync.WaitGroup
}

// NewService creates a withdrawal service.
func NewService(store Store, executor Executor, limits Limits, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		executor: executor,
		bus:      bus,
		logger:   logger,
		limits:   limits,
	}
}

// Wait blocks until all in-flight executions settle. Called on
// shutdown, and by tests.
func (s *Service) Wait() { s.inflight.Wait() }

// CreateRequest is the body for POST /withdrawals.
type CreateRequest struct {
	Amount           string `json:"amount"`
	RecipientAddress string `json:"recipient_address"`
}

// Create validates the request, debits the gross amount and kicks off
// execution. The returned row is still pending; callers poll GET
// /withdrawals/:id for the outcome.
func (s *Service) Create(ctx context.Context, agentID string, req CreateRequest) (*Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Create",
		traces.AgentID(agentID), traces.Amount(req.Amount))
	defer span.End()

	amount, ok := agnt.ParsePositive(req.Amount)
	if !ok {
		return nil, ErrBelowMinimum
	}
	minimum, _ := agnt.Parse(s.limits.Minimum)
	if minimum != nil && amount.Cmp(minimum) < 0 {
		return nil, ErrBelowMinimum
	}
	if !validation.IsValidEthAddress(req.RecipientAddress) {
		return nil, ErrInvalidAddress
	}

	if s.limits.RatePerHour > 0 {
		recent, err := s.store.CountSince(ctx, agentID, time.Now().UTC().Add(-time.Hour))
		if err != nil {
			return nil, err
		}
		if recent >= s.limits.RatePerHour {
			return nil, ErrRateLimited
		}
	}

	fee := feeFor(amount, s.limits.FeePercent)
	w := &Withdrawal{
		ID:               idgen.WithPrefix("wd_"),
		AgentID:          agentID,
		Amount:           agnt.Format(amount),
		Fee:              agnt.Format(fee),
		RecipientAddress: req.RecipientAddress,
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateDebited(ctx, w); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "debited create failed")
		return nil, err
	}

	s.bus.Publish(events.TypeWithdrawalRequested, map[string]any{
		"withdrawal_id": w.ID,
		"agent_id":      w.AgentID,
		"amount":        w.Amount,
		"fee":           w.Fee,
	})
	s.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"agent_id", w.AgentID,
		"amount", w.Amount,
		"fee", w.Fee)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		// The request context dies with the HTTP response; execution
		// carries on under its own.
		s.execute(context.Background(), w)
	}()

	return w, nil
}

// execute drives one withdrawal to a terminal status.
func (s *Service) execute(ctx context.Context, w *Withdrawal) {
	if err := s.store.ClaimProcessing(ctx, w.ID); err != nil {
		s.logger.Warn("withdrawal claim lost", "withdrawal_id", w.ID, "error", err)
		return
	}

	txHash, err := s.executor.Execute(ctx, w.RecipientAddress, w.Net())
	if err != nil {
		s.logger.Error("withdrawal execution failed",
			"withdrawal_id", w.ID,
			"agent_id", w.AgentID,
			"error", err)
		if rerr := s.store.MarkFailedRefunded(ctx, w.ID, err.Error()); rerr != nil {
			// The refund will be retried by hand; reconciliation
			// surfaces the drift until then.
			s.logger.Error("withdrawal refund failed",
				"withdrawal_id", w.ID,
				"error", rerr)
		}
		metrics.WithdrawalsTotal.WithLabelValues(StatusFailed).Inc()
		return
	}

	if err := s.store.MarkCompleted(ctx, w.ID, txHash, time.Now().UTC()); err != nil {
		s.logger.Error("withdrawal completion write failed",
			"withdrawal_id", w.ID,
			"tx_hash", txHash,
			"error", err)
		return
	}
	metrics.WithdrawalsTotal.WithLabelValues(StatusCompleted).Inc()
	s.logger.Info("withdrawal completed",
		"withdrawal_id", w.ID,
		"agent_id", w.AgentID,
		"payout", w.Net(),
		"tx_hash", txHash)
}

// Get returns one of the agent's withdrawals. Foreign rows read as
// missing.
func (s *Service) Get(ctx context.Context, id, agentID string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.AgentID != agentID {
		return nil, ErrNotFound
	}
	return w, nil
}

// List returns the agent's withdrawals, newest first.
func (s *Service) List(ctx context.Context, agentID string, limit, offset int) ([]*Withdrawal, error) {
	return s.store.List(ctx, agentID, limit, offset)
}

// Usage reports the agent's standing against the configured limits.
func (s *Service) Usage(ctx context.Context, agentID string) (*Usage, error) {
	used, err := s.store.CountSince(ctx, agentID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	left := s.limits.RatePerHour - used
	if left < 0 {
		left = 0
	}
	return &Usage{
		Minimum:      s.limits.Minimum,
		FeePercent:   s.limits.FeePercent,
		RatePerHour:  s.limits.RatePerHour,
		UsedThisHour: used,
		LeftThisHour: left,
	}, nil
}

// feeFor computes amount * percent / 100 in base units, truncating.
func feeFor(amount *big.Int, percent string) *big.Int {
	pct, ok := agnt.Parse(percent)
	if !ok || pct.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, pct)
	fee.Quo(fee, big.NewInt(100))
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(agnt.Decimals), nil)
	return fee.Quo(fee, scale)
}
