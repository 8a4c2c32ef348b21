package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcilePendingDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lipalink",
		Subsystem: "reconciliation",
		Name:      "pending_escrow_drift",
		Help:      "Ledger pending_escrow minus sum of held hold amounts, in minor units.",
	})

	reconcileConservationDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lipalink",
		Subsystem: "reconciliation",
		Name:      "conservation_drift",
		Help:      "Ledger bucket total (plus in-flight payouts) minus sum of non-refunded hold amounts.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lipalink",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lipalink",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcilePendingDrift,
		reconcileConservationDrift,
		reconcileDuration,
		reconcileErrors,
	)
}
