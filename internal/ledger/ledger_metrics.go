package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lipalink",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lipalink",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerBalancePending tracks the sum of all pending escrow balances.
	LedgerBalancePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lipalink",
			Name:      "ledger_balance_pending_total",
			Help:      "Sum of all seller pending escrow balances, in minor units.",
		},
	)

	// LedgerBalanceAvailable tracks the sum of all available balances.
	LedgerBalanceAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lipalink",
			Name:      "ledger_balance_available_total",
			Help:      "Sum of all seller available balances, in minor units.",
		},
	)

	// LedgerBalancePaidOut tracks lifetime paid-out totals.
	LedgerBalancePaidOut = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lipalink",
			Name:      "ledger_balance_paid_out_total",
			Help:      "Sum of all seller lifetime payouts, in minor units.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerBalancePending,
		LedgerBalanceAvailable,
		LedgerBalancePaidOut,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// PublishTotals updates the balance gauges from a reconciliation sweep.
func PublishTotals(t *Totals) {
	if t == nil {
		return
	}
	LedgerBalancePending.Set(float64(t.PendingEscrow))
	LedgerBalanceAvailable.Set(float64(t.Available))
	LedgerBalancePaidOut.Set(float64(t.TotalPaidOut))
}
