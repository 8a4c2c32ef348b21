// Package dispute records buyer/seller disagreements over a transaction
// and applies a resolution by delegating to the escrow engine.
//
// The resolution is persisted before the delegated action runs, so a
// crash mid-resolution leaves an auditable decision. Resolving an
// already-resolved dispute is a no-op returning the prior outcome. An
// open dispute blocks auto-release until it is resolved.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lipalink/lipalink/internal/escrow"
	"github.com/lipalink/lipalink/internal/idgen"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrInvalidInitiator  = errors.New("invalid dispute initiator")
	ErrInvalidResolution = errors.New("invalid dispute resolution")
	ErrNoHeldEscrow      = errors.New("transaction has no held escrow")
)

// Resolution is the decided outcome of a dispute.
type Resolution string

const (
	ResolutionNone          Resolution = "none" // pending
	ResolutionRefundBuyer   Resolution = "refund_buyer"
	ResolutionPaySeller     Resolution = "pay_seller"
	ResolutionPartialRefund Resolution = "partial_refund"
)

// Dispute is a flagged disagreement over a transaction's outcome.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	Initiator     string     `json:"initiator"` // "buyer", "seller", "system"
	Reason        string     `json:"reason"`
	Resolution    Resolution `json:"resolution"`
	PartialAmount int64      `json:"partialAmount,omitempty"` // minor units, partial_refund only
	Outcome       string     `json:"outcome,omitempty"`       // result of the delegated escrow action
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Open reports whether the dispute still blocks auto-release.
func (d *Dispute) Open() bool {
	return d.Resolution == ResolutionNone
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	HasOpen(ctx context.Context, transactionID string) (bool, error)
}

// EscrowEngine is the escrow surface a resolution delegates to.
type EscrowEngine interface {
	RefundBuyer(ctx context.Context, transactionID, reason string) (*escrow.RefundOutcome, error)
	ReleaseEscrow(ctx context.Context, holdID string) (*escrow.Hold, error)
	PartialRefund(ctx context.Context, transactionID string, refundAmount int64, reason string) (*escrow.PartialRefundOutcome, error)
	ListHoldsByTransaction(ctx context.Context, transactionID string) ([]*escrow.Hold, error)
}

// Service implements the dispute resolver.
type Service struct {
	store  Store
	escrow EscrowEngine
	logger *slog.Logger
	locks  sync.Map
}

// NewService creates a new dispute resolver.
func NewService(store Store, engine EscrowEngine, logger *slog.Logger) *Service {
	return &Service{store: store, escrow: engine, logger: logger}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open records a new dispute against a transaction.
func (s *Service) Open(ctx context.Context, transactionID, initiator, reason string) (*Dispute, error) {
	switch initiator {
	case "buyer", "seller", "system":
	default:
		return nil, ErrInvalidInitiator
	}
	if reason == "" {
		return nil, errors.New("dispute reason is required")
	}

	now := time.Now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: transactionID,
		Initiator:     initiator,
		Reason:        reason,
		Resolution:    ResolutionNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	s.logger.Info("dispute opened",
		"disputeId", d.ID, "transactionId", transactionID, "initiator", initiator)
	return d, nil
}

// Resolve records the resolution and delegates to the escrow engine.
// Resolving an already-resolved dispute returns the prior outcome.
func (s *Service) Resolve(ctx context.Context, disputeID string, resolution Resolution, partialAmount int64) (*Dispute, error) {
	mu := s.lockFor(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return d, nil
	}

	switch resolution {
	case ResolutionRefundBuyer, ResolutionPaySeller:
	case ResolutionPartialRefund:
		if partialAmount <= 0 {
			return nil, fmt.Errorf("%w: partial_refund needs a positive amount", ErrInvalidResolution)
		}
	default:
		return nil, ErrInvalidResolution
	}

	// Record the decision before acting.
	now := time.Now()
	d.Resolution = resolution
	d.PartialAmount = partialAmount
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record resolution: %w", err)
	}

	reason := fmt.Sprintf("dispute resolved: %s", d.Reason)
	outcome, actErr := s.apply(ctx, d, reason)
	if actErr != nil {
		// The resolution stands; the failed action is an operator
		// follow-up, not grounds to re-open.
		s.logger.Error("dispute resolution action failed",
			"disputeId", d.ID, "resolution", resolution, "error", actErr)
		d.Outcome = fmt.Sprintf("action failed: %v", actErr)
	} else {
		d.Outcome = outcome
	}
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		s.logger.Error("failed to record dispute outcome", "disputeId", d.ID, "error", err)
	}

	s.logger.Info("dispute resolved",
		"disputeId", d.ID, "resolution", resolution, "outcome", d.Outcome)
	return d, nil
}

func (s *Service) apply(ctx context.Context, d *Dispute, reason string) (string, error) {
	switch d.Resolution {
	case ResolutionRefundBuyer:
		result, err := s.escrow.RefundBuyer(ctx, d.TransactionID, reason)
		if err != nil {
			return "", err
		}
		return result.Outcome, nil

	case ResolutionPaySeller:
		holds, err := s.escrow.ListHoldsByTransaction(ctx, d.TransactionID)
		if err != nil {
			return "", err
		}
		for _, h := range holds {
			if h.Status == escrow.HoldHeld {
				if _, err := s.escrow.ReleaseEscrow(ctx, h.ID); err != nil {
					return "", err
				}
				return "released", nil
			}
		}
		return "", ErrNoHeldEscrow

	case ResolutionPartialRefund:
		result, err := s.escrow.PartialRefund(ctx, d.TransactionID, d.PartialAmount, reason)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("refunded %d, released %d", result.RefundedHold.Amount, result.ReleasedHold.Amount), nil
	}
	return "", ErrInvalidResolution
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByTransaction returns the disputes raised against a transaction.
func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return s.store.ListByTransaction(ctx, transactionID)
}

// HasOpenDispute satisfies the escrow engine's dispute gate.
func (s *Service) HasOpenDispute(ctx context.Context, transactionID string) (bool, error) {
	return s.store.HasOpen(ctx, transactionID)
}
