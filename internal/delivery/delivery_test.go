package delivery

import (
	"context"
	"testing"
	"time"
)

func TestMarkDispatchedAndConfirm(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	proof, err := svc.MarkDispatched(ctx, "txn_1", "G4S", "G4S-12345")
	if err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if proof.Confirmed {
		t.Error("new proof should not be confirmed")
	}
	if proof.DispatchedAt.IsZero() {
		t.Error("dispatchedAt not set")
	}

	confirmed, err := svc.Confirm(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if !confirmed.Confirmed || confirmed.ConfirmedAt == nil {
		t.Error("proof not marked confirmed")
	}
	if confirmed.AutoConfirmed {
		t.Error("buyer confirmation should not be marked auto-confirmed")
	}
}

func TestMarkDispatchedUpdatesKeepDispatchTime(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	first, err := svc.MarkDispatched(ctx, "txn_1", "G4S", "G4S-12345")
	if err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}

	second, err := svc.MarkDispatched(ctx, "txn_1", "Sendy", "SND-99")
	if err != nil {
		t.Fatalf("second MarkDispatched failed: %v", err)
	}
	if second.Courier != "Sendy" || second.TrackingRef != "SND-99" {
		t.Errorf("courier details not updated: %+v", second)
	}
	if !second.DispatchedAt.Equal(first.DispatchedAt) {
		t.Error("editing proof must not reset the dispatch clock")
	}
}

func TestMarkDispatchedAfterConfirmRejected(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.MarkDispatched(ctx, "txn_1", "G4S", "G4S-12345"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if _, err := svc.Confirm(ctx, "txn_1"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if _, err := svc.MarkDispatched(ctx, "txn_1", "Sendy", "SND-99"); err != ErrAlreadyConfirmed {
		t.Errorf("expected ErrAlreadyConfirmed, got %v", err)
	}
}

func TestConfirmIdempotent(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.MarkDispatched(ctx, "txn_1", "G4S", "G4S-12345"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	first, err := svc.Confirm(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	second, err := svc.Confirm(ctx, "txn_1")
	if err != nil {
		t.Fatalf("repeat Confirm failed: %v", err)
	}
	if !second.ConfirmedAt.Equal(*first.ConfirmedAt) {
		t.Error("repeat confirmation changed the confirmation time")
	}
}

func TestConfirmWithoutProof(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if _, err := svc.Confirm(context.Background(), "txn_missing"); err != ErrProofNotFound {
		t.Errorf("expected ErrProofNotFound, got %v", err)
	}
}

func TestMarkAutoConfirmed(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.MarkDispatched(ctx, "txn_1", "G4S", "G4S-12345"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if err := svc.MarkAutoConfirmed(ctx, "txn_1"); err != nil {
		t.Fatalf("MarkAutoConfirmed failed: %v", err)
	}

	proof, err := svc.Get(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !proof.Confirmed || !proof.AutoConfirmed {
		t.Errorf("expected auto-confirmed proof, got %+v", proof)
	}

	// Re-running is a no-op.
	if err := svc.MarkAutoConfirmed(ctx, "txn_1"); err != nil {
		t.Errorf("repeat MarkAutoConfirmed failed: %v", err)
	}
}

func TestDispatchedAtAndIsConfirmed(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, ok, err := svc.DispatchedAt(ctx, "txn_missing"); err != nil || ok {
		t.Errorf("missing proof should report ok=false, got ok=%v err=%v", ok, err)
	}
	if confirmed, err := svc.IsConfirmed(ctx, "txn_missing"); err != nil || confirmed {
		t.Errorf("missing proof should count as unconfirmed, got %v err=%v", confirmed, err)
	}

	if _, err := svc.MarkDispatched(ctx, "txn_1", "G4S", "G4S-12345"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if _, ok, err := svc.DispatchedAt(ctx, "txn_1"); err != nil || !ok {
		t.Errorf("expected dispatch time, got ok=%v err=%v", ok, err)
	}
}

func TestListAutoReleaseCandidates(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	now := time.Now()

	old := &Proof{TransactionID: "txn_old", Courier: "G4S", TrackingRef: "A", DispatchedAt: now.Add(-25 * time.Hour), UpdatedAt: now}
	fresh := &Proof{TransactionID: "txn_fresh", Courier: "G4S", TrackingRef: "B", DispatchedAt: now.Add(-23 * time.Hour), UpdatedAt: now}
	confirmedAt := now
	done := &Proof{TransactionID: "txn_done", Courier: "G4S", TrackingRef: "C", DispatchedAt: now.Add(-48 * time.Hour), Confirmed: true, ConfirmedAt: &confirmedAt, UpdatedAt: now}
	for _, p := range []*Proof{old, fresh, done} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	candidates, err := svc.ListAutoReleaseCandidates(ctx, 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("ListAutoReleaseCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].TransactionID != "txn_old" {
		t.Errorf("expected only txn_old, got %+v", candidates)
	}
}
