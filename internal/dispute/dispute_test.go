package dispute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/lipalink/lipalink/internal/escrow"
)

type fakeEscrow struct {
	refundCalls  int
	releaseCalls int
	partialCalls int
	failRefund   bool
	heldHoldID   string
	lastPartial  int64
}

func (f *fakeEscrow) RefundBuyer(_ context.Context, transactionID, reason string) (*escrow.RefundOutcome, error) {
	f.refundCalls++
	if f.failRefund {
		return nil, errors.New("ledger unavailable")
	}
	return &escrow.RefundOutcome{Outcome: escrow.OutcomeRefunded}, nil
}

func (f *fakeEscrow) ReleaseEscrow(_ context.Context, holdID string) (*escrow.Hold, error) {
	f.releaseCalls++
	return &escrow.Hold{ID: holdID, Status: escrow.HoldReleased}, nil
}

func (f *fakeEscrow) PartialRefund(_ context.Context, transactionID string, refundAmount int64, reason string) (*escrow.PartialRefundOutcome, error) {
	f.partialCalls++
	f.lastPartial = refundAmount
	return &escrow.PartialRefundOutcome{
		RefundedHold: &escrow.Hold{Amount: refundAmount, Status: escrow.HoldRefunded},
		ReleasedHold: &escrow.Hold{Amount: 10000 - refundAmount, Status: escrow.HoldReleased},
	}, nil
}

func (f *fakeEscrow) ListHoldsByTransaction(_ context.Context, transactionID string) ([]*escrow.Hold, error) {
	if f.heldHoldID == "" {
		return nil, nil
	}
	return []*escrow.Hold{
		{ID: "hold_old", TransactionID: transactionID, Status: escrow.HoldRefunded},
		{ID: f.heldHoldID, TransactionID: transactionID, Status: escrow.HoldHeld},
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(eng *fakeEscrow) *Service {
	return NewService(NewMemoryStore(), eng, testLogger())
}

func TestOpenDispute(t *testing.T) {
	svc := newTestService(&fakeEscrow{})
	ctx := context.Background()

	d, err := svc.Open(ctx, "txn_1", "buyer", "item never arrived")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !strings.HasPrefix(d.ID, "dsp_") {
		t.Errorf("expected dsp_ prefix, got %s", d.ID)
	}
	if !d.Open() {
		t.Error("new dispute should be open")
	}

	open, err := svc.HasOpenDispute(ctx, "txn_1")
	if err != nil {
		t.Fatalf("HasOpenDispute failed: %v", err)
	}
	if !open {
		t.Error("expected an open dispute for txn_1")
	}

	if _, err := svc.Open(ctx, "txn_1", "auditor", "bad initiator"); !errors.Is(err, ErrInvalidInitiator) {
		t.Errorf("expected ErrInvalidInitiator, got %v", err)
	}
	if _, err := svc.Open(ctx, "txn_1", "buyer", ""); err == nil {
		t.Error("expected error for empty reason")
	}
}

func TestResolveRefundBuyer(t *testing.T) {
	eng := &fakeEscrow{}
	svc := newTestService(eng)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_1", "buyer", "damaged goods")
	resolved, err := svc.Resolve(ctx, d.ID, ResolutionRefundBuyer, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Open() {
		t.Error("dispute should no longer be open")
	}
	if resolved.Resolution != ResolutionRefundBuyer {
		t.Errorf("resolution = %s", resolved.Resolution)
	}
	if resolved.Outcome != escrow.OutcomeRefunded {
		t.Errorf("outcome = %q", resolved.Outcome)
	}
	if resolved.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}
	if eng.refundCalls != 1 {
		t.Errorf("expected 1 refund call, got %d", eng.refundCalls)
	}

	open, _ := svc.HasOpenDispute(ctx, "txn_1")
	if open {
		t.Error("resolved dispute should not block auto-release")
	}
}

func TestResolvePaySeller(t *testing.T) {
	eng := &fakeEscrow{heldHoldID: "hold_2"}
	svc := newTestService(eng)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_1", "seller", "buyer confirmed by phone")
	resolved, err := svc.Resolve(ctx, d.ID, ResolutionPaySeller, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Outcome != "released" {
		t.Errorf("outcome = %q", resolved.Outcome)
	}
	if eng.releaseCalls != 1 {
		t.Errorf("expected 1 release call, got %d", eng.releaseCalls)
	}
}

func TestResolvePaySellerNoHeldEscrow(t *testing.T) {
	eng := &fakeEscrow{}
	svc := newTestService(eng)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_1", "seller", "pay me")
	resolved, err := svc.Resolve(ctx, d.ID, ResolutionPaySeller, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// The decision stands even though the action found nothing to release.
	if resolved.Resolution != ResolutionPaySeller {
		t.Errorf("resolution = %s", resolved.Resolution)
	}
	if !strings.HasPrefix(resolved.Outcome, "action failed") {
		t.Errorf("outcome = %q", resolved.Outcome)
	}
}

func TestResolvePartialRefund(t *testing.T) {
	eng := &fakeEscrow{}
	svc := newTestService(eng)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_1", "buyer", "half the order missing")

	if _, err := svc.Resolve(ctx, d.ID, ResolutionPartialRefund, 0); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution for zero amount, got %v", err)
	}

	resolved, err := svc.Resolve(ctx, d.ID, ResolutionPartialRefund, 4000)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if eng.lastPartial != 4000 {
		t.Errorf("partial amount passed = %d", eng.lastPartial)
	}
	if resolved.PartialAmount != 4000 {
		t.Errorf("recorded partial amount = %d", resolved.PartialAmount)
	}
}

func TestResolveIdempotent(t *testing.T) {
	eng := &fakeEscrow{}
	svc := newTestService(eng)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_1", "buyer", "damaged goods")
	first, err := svc.Resolve(ctx, d.ID, ResolutionRefundBuyer, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// A second resolve, even with a different decision, returns the prior
	// outcome and does not touch escrow again.
	second, err := svc.Resolve(ctx, d.ID, ResolutionPaySeller, 0)
	if err != nil {
		t.Fatalf("repeat Resolve failed: %v", err)
	}
	if second.Resolution != first.Resolution || second.Outcome != first.Outcome {
		t.Errorf("repeat resolve changed the record: %+v vs %+v", second, first)
	}
	if eng.refundCalls != 1 || eng.releaseCalls != 0 {
		t.Errorf("escrow called again: refunds=%d releases=%d", eng.refundCalls, eng.releaseCalls)
	}
}

func TestResolveActionFailureKeepsResolution(t *testing.T) {
	eng := &fakeEscrow{failRefund: true}
	svc := newTestService(eng)
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_1", "buyer", "damaged goods")
	resolved, err := svc.Resolve(ctx, d.ID, ResolutionRefundBuyer, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Open() {
		t.Error("dispute should be resolved even when the action fails")
	}
	if !strings.Contains(resolved.Outcome, "ledger unavailable") {
		t.Errorf("outcome = %q", resolved.Outcome)
	}

	reloaded, _ := svc.Get(ctx, d.ID)
	if reloaded.Resolution != ResolutionRefundBuyer {
		t.Errorf("persisted resolution = %s", reloaded.Resolution)
	}
}

func TestResolveUnknownResolution(t *testing.T) {
	svc := newTestService(&fakeEscrow{})
	ctx := context.Background()

	d, _ := svc.Open(ctx, "txn_1", "buyer", "damaged goods")
	if _, err := svc.Resolve(ctx, d.ID, "split_evenly", 0); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "dsp_missing", ResolutionRefundBuyer, 0); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("expected ErrDisputeNotFound, got %v", err)
	}
}
