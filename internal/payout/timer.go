package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically re-attempts FAILED payouts that are still under the
// retry cap. Payouts past the cap stay FAILED for operator intervention.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new payout retry timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRetry(ctx)
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

func (t *Timer) safeRetry(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payout retry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.retryFailed(ctx)
}

func (t *Timer) retryFailed(ctx context.Context) {
	failed, err := t.service.ListRetryable(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list retryable payouts", "error", err)
		return
	}

	for _, payout := range failed {
		outcome, err := t.service.RetryFailedPayout(ctx, payout.ID)
		if err != nil {
			t.logger.Warn("payout retry failed",
				"payoutId", payout.ID, "error", err)
			continue
		}
		switch outcome.Result {
		case OutcomeInitiated:
			t.logger.Info("payout retry initiated",
				"payoutId", payout.ID,
				"retryPayoutId", outcome.Payout.ID,
				"attempt", outcome.Payout.RetryCount,
			)
		case OutcomeSettingsMissing:
			t.logger.Debug("payout retry skipped, settings missing",
				"payoutId", payout.ID, "sellerId", payout.SellerID)
		case OutcomeTransferFailed:
			t.logger.Warn("payout retry transfer failed",
				"payoutId", payout.ID,
				"retryPayoutId", outcome.Payout.ID,
				"reason", outcome.Reason,
			)
		}
	}
}
