package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agora",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Agents whose stored balance disagreed with the journal in the last run.",
	})

	reconcileRecoveredCredits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agora",
		Subsystem: "reconciliation",
		Name:      "recovered_credits",
		Help:      "Stuck payments credited by the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agora",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileRecoveredCredits,
		reconcileDuration,
		reconcileErrors,
	)
}
