package payments

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically re-drives verified payments whose credit never
// landed, typically after a crash between the chain check and the
// ledger write.
type Timer struct {
	verifier  *Verifier
	interval  time.Duration
	olderThan time.Duration
	logger    *slog.Logger
	stop      chan struct{}
}

// NewTimer creates a stuck-payment recovery timer.
func NewTimer(verifier *Verifier, interval, olderThan time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if olderThan <= 0 {
		olderThan = time.Minute
	}
	return &Timer{
		verifier:  verifier,
		interval:  interval,
		olderThan: olderThan,
		logger:    logger,
		stop:      make(chan struct{}, 1),
	}
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if _, err := t.verifier.RecoverStuck(ctx, t.olderThan); err != nil {
				t.logger.Error("stuck payment sweep failed", "error", err)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
