package quotes

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires pending quotes that missed their window.
// Accept guards against stale quotes on its own, so the sweep only keeps
// the stored statuses honest for listings and dashboards.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweeper creates a quote expiry sweeper.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.ExpireStale(ctx)
	if err != nil {
		s.logger.Warn("quote expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired stale quotes", "count", n)
	}
}
