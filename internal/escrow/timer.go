package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CandidateSource lists transactions whose dispatch proof is old enough
// for the auto-release sweep.
type CandidateSource interface {
	ListAutoReleaseTransactionIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

// Timer periodically sweeps stale dispatch proofs and auto-releases the
// escrow of any that qualify.
type Timer struct {
	service    *Service
	candidates CandidateSource
	interval   time.Duration
	after      time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new auto-release timer. after is the minimum age of
// a dispatch proof before its hold is eligible.
func NewTimer(service *Service, candidates CandidateSource, interval, after time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if after <= 0 {
		after = 24 * time.Hour
	}
	return &Timer{
		service:    service,
		candidates: candidates,
		interval:   interval,
		after:      after,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	ids, err := t.candidates.ListAutoReleaseTransactionIDs(ctx, t.after, 100)
	if err != nil {
		t.logger.Warn("failed to list auto-release candidates", "error", err)
		return
	}

	for _, transactionID := range ids {
		result, err := t.service.AutoRelease(ctx, transactionID)
		if err != nil {
			t.logger.Warn("auto-release failed",
				"transactionId", transactionID, "error", err)
			continue
		}
		if !result.Eligible {
			t.logger.Debug("auto-release not eligible",
				"transactionId", transactionID, "reason", result.Reason)
			continue
		}
		t.logger.Info("auto-released escrow",
			"transactionId", transactionID,
			"holdId", result.Hold.ID,
			"sellerId", result.Hold.SellerID,
			"amount", result.Hold.Amount,
		)
	}
}
