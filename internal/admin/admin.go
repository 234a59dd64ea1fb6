// Package admin provides operator-only endpoints for auditing and
// repairing financial state. Routes are mounted behind the admin-key
// middleware; none of them are reachable with an ordinary agent key
// once an admin key is configured.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/agora/internal/reconciliation"
)

// Reconciler runs an on-demand ledger audit and stuck-credit sweep.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// PaymentRecoverer re-drives verified payments whose ledger credit
// never landed.
type PaymentRecoverer interface {
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)
}
