// Package reconciliation sweeps the ledger against escrow state.
//
// Two checks run on every sweep. The pending check compares the sum of
// pending_escrow across sellers with the sum of held hold amounts. The
// conservation check compares pending + available + paid_out, plus the
// amounts of in-flight payouts, with the sum of non-refunded hold
// amounts. Money reserved for an in-flight transfer sits in no ledger
// bucket until the gateway's verdict lands, so the sweep adds it back
// before comparing.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lipalink/lipalink/internal/escrow"
	"github.com/lipalink/lipalink/internal/ledger"
	"github.com/lipalink/lipalink/internal/metrics"
)

// BalanceSummer returns the sum of all seller balances in the ledger.
type BalanceSummer interface {
	SumAllBalances(ctx context.Context) (*ledger.Totals, error)
}

// HoldSummer aggregates escrow hold amounts.
type HoldSummer interface {
	HoldTotals(ctx context.Context) (*escrow.HoldTotals, error)
}

// InFlightSummer totals the amounts of payouts awaiting a gateway verdict.
type InFlightSummer interface {
	SumInFlight(ctx context.Context) (int64, error)
}

// Check is the outcome of one invariant comparison.
type Check struct {
	Name     string `json:"name"`
	Match    bool   `json:"match"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Drift    int64  `json:"drift"` // actual - expected
}

// Result holds the outcome of one sweep.
type Result struct {
	RanAt      time.Time `json:"ranAt"`
	Checks     []Check   `json:"checks"`
	TotalDrift int64     `json:"totalDrift"` // sum of absolute drifts
}

// Clean reports whether every check matched.
func (r *Result) Clean() bool {
	for _, c := range r.Checks {
		if !c.Match {
			return false
		}
	}
	return true
}

// Service runs the invariant sweep.
type Service struct {
	balances BalanceSummer
	holds    HoldSummer
	inflight InFlightSummer
	logger   *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(balances BalanceSummer, holds HoldSummer, inflight InFlightSummer, logger *slog.Logger) *Service {
	return &Service{
		balances: balances,
		holds:    holds,
		inflight: inflight,
		logger:   logger,
	}
}

// Run executes both checks and records the drift gauges. A non-zero
// drift is reported, never repaired; the ledger is the audit trail and
// a correction belongs in its own entry, written by an operator.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(started).Seconds())
	}()

	totals, err := s.balances.SumAllBalances(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum ledger balances: %w", err)
	}
	holdTotals, err := s.holds.HoldTotals(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum escrow holds: %w", err)
	}
	inFlight, err := s.inflight.SumInFlight(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum in-flight payouts: %w", err)
	}

	pending := Check{
		Name:     "pending_escrow",
		Expected: holdTotals.SumHeld,
		Actual:   totals.PendingEscrow,
	}
	pending.Drift = pending.Actual - pending.Expected
	pending.Match = pending.Drift == 0

	conservation := Check{
		Name:     "conservation",
		Expected: holdTotals.SumNonRefunded,
		Actual:   totals.PendingEscrow + totals.Available + totals.TotalPaidOut + inFlight,
	}
	conservation.Drift = conservation.Actual - conservation.Expected
	conservation.Match = conservation.Drift == 0

	result := &Result{
		RanAt:      started,
		Checks:     []Check{pending, conservation},
		TotalDrift: abs(pending.Drift) + abs(conservation.Drift),
	}

	reconcilePendingDrift.Set(float64(pending.Drift))
	reconcileConservationDrift.Set(float64(conservation.Drift))
	metrics.ReconciliationDrift.Set(float64(result.TotalDrift))

	if !result.Clean() {
		s.logger.Error("CRITICAL: ledger drift detected",
			"pendingDrift", pending.Drift,
			"conservationDrift", conservation.Drift,
			"inFlightPayouts", inFlight)
	} else {
		s.logger.Debug("reconciliation clean", "inFlightPayouts", inFlight)
	}
	return result, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
