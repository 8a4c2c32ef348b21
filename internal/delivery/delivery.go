// Package delivery tracks dispatch proof and buyer confirmation for
// escrow-held transactions.
//
// A seller records dispatch proof (courier + tracking reference) once the
// goods ship. The buyer confirms receipt, which makes the hold eligible
// for release immediately. If the buyer never confirms, the auto-release
// sweep consults the proof's age and marks the delivery auto-confirmed
// before releasing.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrProofNotFound    = errors.New("dispatch proof not found")
	ErrAlreadyConfirmed = errors.New("delivery already confirmed")
)

// Proof is the dispatch-and-confirmation record for one transaction.
// There is at most one proof per transaction.
type Proof struct {
	TransactionID string     `json:"transactionId"`
	Courier       string     `json:"courier"`
	TrackingRef   string     `json:"trackingRef"`
	DispatchedAt  time.Time  `json:"dispatchedAt"`
	Confirmed     bool       `json:"confirmed"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	AutoConfirmed bool       `json:"autoConfirmed"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists dispatch proofs.
type Store interface {
	Create(ctx context.Context, proof *Proof) error
	Get(ctx context.Context, transactionID string) (*Proof, error)
	Update(ctx context.Context, proof *Proof) error
	// ListUnconfirmedDispatchedBefore returns proofs dispatched before the
	// cutoff that have not been confirmed, oldest first.
	ListUnconfirmedDispatchedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Proof, error)
}

// Service implements delivery-tracking business logic.
type Service struct {
	store Store
}

// NewService creates a new delivery service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// MarkDispatched records dispatch proof for a transaction. Calling it again
// before confirmation updates the courier and tracking reference (sellers
// correct typos) but keeps the original dispatch time, so the auto-release
// clock is not reset by edits.
func (s *Service) MarkDispatched(ctx context.Context, transactionID, courier, trackingRef string) (*Proof, error) {
	if courier == "" || trackingRef == "" {
		return nil, errors.New("courier and tracking reference are required")
	}

	now := time.Now()
	existing, err := s.store.Get(ctx, transactionID)
	if err == nil {
		if existing.Confirmed {
			return nil, ErrAlreadyConfirmed
		}
		existing.Courier = courier
		existing.TrackingRef = trackingRef
		existing.UpdatedAt = now
		if err := s.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update dispatch proof: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrProofNotFound) {
		return nil, err
	}

	proof := &Proof{
		TransactionID: transactionID,
		Courier:       courier,
		TrackingRef:   trackingRef,
		DispatchedAt:  now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, proof); err != nil {
		return nil, fmt.Errorf("failed to record dispatch proof: %w", err)
	}
	return proof, nil
}

// Confirm records the buyer's delivery confirmation. Confirming an
// already-confirmed delivery is a no-op returning the existing proof.
func (s *Service) Confirm(ctx context.Context, transactionID string) (*Proof, error) {
	proof, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if proof.Confirmed {
		return proof, nil
	}

	now := time.Now()
	proof.Confirmed = true
	proof.ConfirmedAt = &now
	proof.UpdatedAt = now
	if err := s.store.Update(ctx, proof); err != nil {
		return nil, fmt.Errorf("failed to confirm delivery: %w", err)
	}
	return proof, nil
}

// MarkAutoConfirmed flags the delivery as confirmed by elapsed time rather
// than buyer action. Idempotent.
func (s *Service) MarkAutoConfirmed(ctx context.Context, transactionID string) error {
	proof, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if proof.Confirmed {
		return nil
	}

	now := time.Now()
	proof.Confirmed = true
	proof.AutoConfirmed = true
	proof.ConfirmedAt = &now
	proof.UpdatedAt = now
	return s.store.Update(ctx, proof)
}

// Get returns the dispatch proof for a transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (*Proof, error) {
	return s.store.Get(ctx, transactionID)
}

// DispatchedAt reports when dispatch proof was recorded. The second return
// is false when no proof exists.
func (s *Service) DispatchedAt(ctx context.Context, transactionID string) (time.Time, bool, error) {
	proof, err := s.store.Get(ctx, transactionID)
	if errors.Is(err, ErrProofNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return proof.DispatchedAt, true, nil
}

// IsConfirmed reports whether the buyer (or the auto-release sweep) has
// confirmed delivery. A missing proof counts as unconfirmed.
func (s *Service) IsConfirmed(ctx context.Context, transactionID string) (bool, error) {
	proof, err := s.store.Get(ctx, transactionID)
	if errors.Is(err, ErrProofNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return proof.Confirmed, nil
}

// ListAutoReleaseCandidates returns unconfirmed proofs old enough for the
// auto-release sweep to consider.
func (s *Service) ListAutoReleaseCandidates(ctx context.Context, olderThan time.Duration, limit int) ([]*Proof, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListUnconfirmedDispatchedBefore(ctx, time.Now().Add(-olderThan), limit)
}

// ListAutoReleaseTransactionIDs is ListAutoReleaseCandidates projected to
// transaction IDs, the shape the escrow auto-release timer consumes.
func (s *Service) ListAutoReleaseTransactionIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	proofs, err := s.ListAutoReleaseCandidates(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(proofs))
	for _, p := range proofs {
		ids = append(ids, p.TransactionID)
	}
	return ids, nil
}
