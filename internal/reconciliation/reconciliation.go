// Package reconciliation audits stored balances against the ledger
// journal and re-drives payment credits that stalled mid-flight.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/ledger"
)

// Auditor recomputes per-agent positions from the journal. Satisfied by
// *ledger.Ledger.
type Auditor interface {
	Audit(ctx context.Context) ([]ledger.AuditRow, error)
}

// Recoverer re-drives verified payments whose credit never landed.
// Satisfied by *payments.Verifier.
type Recoverer interface {
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// Report is the outcome of one reconciliation run. Mismatches lists
// every agent whose stored balance disagrees with the journal.
type Report struct {
	RanAt             time.Time         `json:"ran_at"`
	AgentsAudited     int               `json:"agents_audited"`
	Mismatches        []ledger.AuditRow `json:"mismatches"`
	RecoveredPayments int               `json:"recovered_payments"`
	Healthy           bool              `json:"healthy"`
}

// DefaultStuckAge is how long a verified payment may sit uncredited
// before the sweep re-drives it.
const DefaultStuckAge = 10 * time.Minute

// Service runs the ledger audit and the stuck-credit sweep.
type Service struct {
	bank     Auditor
	payments Recoverer
	stuckAge time.Duration
	logger   *slog.Logger
}

// NewService creates a reconciliation service. stuckAge <= 0 selects
// DefaultStuckAge.
func NewService(bank Auditor, payments Recoverer, stuckAge time.Duration, logger *slog.Logger) *Service {
	if stuckAge <= 0 {
		stuckAge = DefaultStuckAge
	}
	return &Service{bank: bank, payments: payments, stuckAge: stuckAge, logger: logger}
}

// Run audits every agent and re-drives stuck credits. A recovery
// failure does not fail the run; the audit verdict is reported either
// way.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	rows, err := s.bank.Audit(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to audit ledger: %w", err)
	}

	report := &Report{
		RanAt:         start.UTC(),
		AgentsAudited: len(rows),
		Mismatches:    []ledger.AuditRow{},
	}
	for _, r := range rows {
		// Parse rejects negative drift outright, which flags it too.
		if v, ok := agnt.Parse(r.Drift); ok && v.Sign() == 0 {
			continue
		}
		report.Mismatches = append(report.Mismatches, r)
	}

	recovered, err := s.payments.RecoverStuck(ctx, s.stuckAge)
	if err != nil {
		reconcileErrors.Inc()
		s.logger.Warn("stuck credit sweep failed", "error", err)
	}
	report.RecoveredPayments = recovered
	report.Healthy = len(report.Mismatches) == 0

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileRecoveredCredits.Set(float64(recovered))
	reconcileDuration.Observe(time.Since(start).Seconds())

	if report.Healthy {
		s.logger.Info("reconciliation clean",
			"agents_audited", report.AgentsAudited,
			"recovered_payments", recovered,
		)
	} else {
		s.logger.Error("ledger drift detected",
			"agents", len(report.Mismatches),
			"agents_audited", report.AgentsAudited,
		)
	}
	return report, nil
}
