// Package escrow drives the hold lifecycle for marketplace payments.
//
// Flow:
//  1. Gateway confirms a charge → funds locked: seller.pending += amount
//  2. Buyer confirms delivery (or 24h pass after dispatch) → funds released:
//     pending → available, payout initiated
//  3. Buyer is refunded → pending cleared, gateway refund initiated
//  4. Dispute → resolution decides release, refund, or a partial split
//
// The seller balance itself is owned by the ledger; this package only
// calls its atomic move operations and keeps hold status in lockstep.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lipalink/lipalink/internal/idgen"
	"github.com/lipalink/lipalink/internal/metrics"
	"github.com/lipalink/lipalink/internal/traces"
)

var (
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrHoldNotFound           = errors.New("escrow hold not found")
	ErrRefundNotFound         = errors.New("refund not found")
	ErrInvalidStateTransition = errors.New("invalid escrow state transition")
	ErrInvalidAmount          = errors.New("invalid amount")
)

// TransactionStatus is the state of one buyer payment attempt.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"   // Charge initialized, awaiting gateway
	TxCompleted TransactionStatus = "completed" // Charge confirmed, escrow locked
	TxRefunding TransactionStatus = "refunding" // Refund initiated at the gateway
	TxRefunded  TransactionStatus = "refunded"  // Buyer refunded
	TxFailed    TransactionStatus = "failed"    // Charge failed or abandoned
)

// HoldStatus is the state of an escrow hold.
type HoldStatus string

const (
	HoldHeld           HoldStatus = "held"            // Funds in seller's pending balance
	HoldReleased       HoldStatus = "released"        // Funds moved to seller's available balance
	HoldRefunding      HoldStatus = "refunding"       // Refund in flight
	HoldRefunded       HoldStatus = "refunded"        // Funds returned to buyer
	HoldTransferFailed HoldStatus = "transfer_failed" // Payout transfer failed, retryable
)

// Transaction is one buyer payment attempt against a payment link.
type Transaction struct {
	ID               string            `json:"id"`
	LinkID           string            `json:"linkId"`
	SellerID         string            `json:"sellerId"`
	BuyerEmail       string            `json:"buyerEmail"`
	BuyerPhone       string            `json:"buyerPhone,omitempty"`
	Amount           int64             `json:"amount"` // minor units
	Currency         string            `json:"currency"`
	PaymentMethod    string            `json:"paymentMethod,omitempty"`
	PaymentReference string            `json:"paymentReference"` // gateway charge reference
	Status           TransactionStatus `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Hold is one escrow hold. Normally 1:1 with a completed transaction; a
// partial refund splits a hold into a released remainder and a refunded
// child record carrying ParentHoldID.
type Hold struct {
	ID                string     `json:"id"`
	TransactionID     string     `json:"transactionId"`
	SellerID          string     `json:"sellerId"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	Status            HoldStatus `json:"status"`
	ParentHoldID      string     `json:"parentHoldId,omitempty"`
	TransferReference string     `json:"transferReference,omitempty"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the hold can no longer change state.
func (h *Hold) IsTerminal() bool {
	return h.Status == HoldRefunded
}

// Refund is the audit record for one refund request. Lifecycle events are
// append-only.
type Refund struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transactionId"`
	HoldID        string        `json:"holdId,omitempty"`
	Amount        int64         `json:"amount"`
	Status        string        `json:"status"` // "initiated", "processed"
	Reason        string        `json:"reason"`
	GatewayRef    string        `json:"gatewayRef,omitempty"`
	Events        []RefundEvent `json:"events"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// RefundEvent is one entry in a refund's lifecycle log.
type RefundEvent struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

const (
	RefundInitiated = "initiated"
	RefundProcessed = "processed"
)

// HoldTotals aggregates hold amounts for the reconciliation sweep.
type HoldTotals struct {
	SumHeld        int64 `json:"sumHeld"`        // Σ amount where status == held
	SumNonRefunded int64 `json:"sumNonRefunded"` // Σ amount where status != refunded
}

// Store persists transactions, holds, and refunds.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	ListTransactionsBySeller(ctx context.Context, sellerID string, limit int) ([]*Transaction, error)

	CreateHold(ctx context.Context, hold *Hold) error
	GetHold(ctx context.Context, id string) (*Hold, error)
	GetHoldByTransferReference(ctx context.Context, reference string) (*Hold, error)
	UpdateHold(ctx context.Context, hold *Hold) error
	ListHoldsByTransaction(ctx context.Context, transactionID string) ([]*Hold, error)
	ListHoldsBySeller(ctx context.Context, sellerID string, status HoldStatus, limit int) ([]*Hold, error)
	HoldTotals(ctx context.Context) (*HoldTotals, error)

	CreateRefund(ctx context.Context, refund *Refund) error
	GetRefundByTransaction(ctx context.Context, transactionID string) (*Refund, error)
	UpdateRefund(ctx context.Context, refund *Refund) error
}

// LedgerService abstracts balance moves so escrow doesn't import ledger.
type LedgerService interface {
	AddPending(ctx context.Context, sellerID string, amount int64, reference string) error
	RemovePending(ctx context.Context, sellerID string, amount int64, reference string) error
	MovePendingToAvailable(ctx context.Context, sellerID string, amount int64, reference string) error
}

// Gateway initiates refunds at the payment processor. Best-effort: the
// ledger is corrected whether or not the gateway call succeeds.
type Gateway interface {
	InitiateRefund(ctx context.Context, transactionReference string, amount int64, reason string) (string, error)
}

// LinkNotifier is told about link status transitions the engine causes.
type LinkNotifier interface {
	LinkPaid(ctx context.Context, linkID, transactionID string) error
	LinkCompleted(ctx context.Context, linkID string) error
	LinkCancelled(ctx context.Context, linkID string) error
}

// DeliveryChecker supplies dispatch proof and confirmation state for the
// auto-release eligibility check.
type DeliveryChecker interface {
	DispatchedAt(ctx context.Context, transactionID string) (time.Time, bool, error)
	IsConfirmed(ctx context.Context, transactionID string) (bool, error)
	MarkAutoConfirmed(ctx context.Context, transactionID string) error
}

// DisputeChecker reports whether a transaction has an unresolved dispute.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, transactionID string) (bool, error)
}

// PayoutTrigger starts an outbound payout for a released hold.
type PayoutTrigger interface {
	TriggerPayout(ctx context.Context, holdID, sellerID string, amount int64) error
}

// EventPublisher broadcasts lifecycle events to connected clients.
type EventPublisher interface {
	Publish(eventType string, payload any)
}

// Service implements the escrow engine.
type Service struct {
	store    Store
	ledger   LedgerService
	gateway  Gateway
	links    LinkNotifier
	delivery DeliveryChecker
	disputes DisputeChecker
	payouts  PayoutTrigger
	events   EventPublisher
	logger   *slog.Logger

	autoReleaseAfter time.Duration
	locks            sync.Map // per-hold / per-transaction locks
}

// NewService creates a new escrow engine.
func NewService(store Store, ledger LedgerService, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:            store,
		ledger:           ledger,
		gateway:          gateway,
		logger:           logger,
		autoReleaseAfter: 24 * time.Hour,
	}
}

// WithLinkNotifier adds the link status collaborator.
func (s *Service) WithLinkNotifier(n LinkNotifier) *Service {
	s.links = n
	return s
}

// WithDelivery adds the dispatch-proof collaborator.
func (s *Service) WithDelivery(d DeliveryChecker) *Service {
	s.delivery = d
	return s
}

// WithDisputes adds the dispute-gate collaborator.
func (s *Service) WithDisputes(d DisputeChecker) *Service {
	s.disputes = d
	return s
}

// WithPayouts adds the payout trigger fired on release.
func (s *Service) WithPayouts(p PayoutTrigger) *Service {
	s.payouts = p
	return s
}

// WithEvents adds the realtime event publisher.
func (s *Service) WithEvents(e EventPublisher) *Service {
	s.events = e
	return s
}

// WithAutoReleaseAfter overrides the 24h auto-release window.
func (s *Service) WithAutoReleaseAfter(d time.Duration) *Service {
	if d > 0 {
		s.autoReleaseAfter = d
	}
	return s
}

// lockFor returns a mutex for the given key. Prevents concurrent state
// transitions on the same hold or transaction (e.g. confirm racing the
// auto-release sweep).
func (s *Service) lockFor(key string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateTransaction records a pending payment attempt. Called by the
// checkout flow before the buyer is sent to the gateway.
func (s *Service) CreateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("txn_")
	}
	tx.Status = TxPending
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

// ConfirmChargeByReference handles a confirmed charge: marks the
// transaction completed and locks escrow. Idempotent — a redelivered
// charge.success finds the existing hold and changes nothing.
func (s *Service) ConfirmChargeByReference(ctx context.Context, reference string) (*Hold, error) {
	tx, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor("txn:" + tx.ID)
	mu.Lock()
	defer mu.Unlock()

	if tx.Status == TxPending {
		tx.Status = TxCompleted
		tx.UpdatedAt = time.Now()
		if err := s.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("failed to mark transaction completed: %w", err)
		}
	}

	return s.lockEscrowLocked(ctx, tx)
}

// LockEscrow creates a hold for a completed transaction and moves its
// amount into the seller's pending balance. Idempotent: if a hold already
// exists for the transaction it is returned unchanged.
func (s *Service) LockEscrow(ctx context.Context, transactionID string) (*Hold, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor("txn:" + tx.ID)
	mu.Lock()
	defer mu.Unlock()

	return s.lockEscrowLocked(ctx, tx)
}

func (s *Service) lockEscrowLocked(ctx context.Context, tx *Transaction) (*Hold, error) {
	existing, err := s.store.ListHoldsByTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	now := time.Now()
	hold := &Hold{
		ID:            idgen.WithPrefix("hold_"),
		TransactionID: tx.ID,
		SellerID:      tx.SellerID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        HoldHeld,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.ledger.AddPending(ctx, tx.SellerID, tx.Amount, hold.ID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}
	if err := s.store.CreateHold(ctx, hold); err != nil {
		// Best-effort compensation if the hold record cannot be written.
		_ = s.ledger.RemovePending(ctx, tx.SellerID, tx.Amount, hold.ID)
		return nil, fmt.Errorf("failed to create escrow hold: %w", err)
	}

	metrics.EscrowHoldsTotal.WithLabelValues(string(HoldHeld)).Inc()
	s.notifyLinkPaid(ctx, tx)
	s.publish("escrow.held", hold)

	s.logger.Info("escrow locked",
		"holdId", hold.ID, "transactionId", tx.ID,
		"sellerId", tx.SellerID, "amount", tx.Amount)
	return hold, nil
}

// ReleaseEscrow moves a held amount into the seller's available balance,
// marks the hold released, and triggers a payout. Releasing a non-held
// hold fails with ErrInvalidStateTransition.
func (s *Service) ReleaseEscrow(ctx context.Context, holdID string) (*Hold, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseEscrow", traces.HoldID(holdID))
	defer span.End()

	mu := s.lockFor("hold:" + holdID)
	mu.Lock()
	defer mu.Unlock()

	hold, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Status != HoldHeld {
		return nil, fmt.Errorf("%w: cannot release hold in status %s", ErrInvalidStateTransition, hold.Status)
	}

	if err := s.ledger.MovePendingToAvailable(ctx, hold.SellerID, hold.Amount, hold.ID); err != nil {
		// Hold stays held; the operation is safe to re-invoke.
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := time.Now()
	hold.Status = HoldReleased
	hold.ReleasedAt = &now
	hold.UpdatedAt = now
	if err := s.markHoldCritical(ctx, hold, "released"); err != nil {
		return nil, err
	}

	metrics.EscrowHoldsTotal.WithLabelValues(string(HoldReleased)).Inc()
	s.notifyLinkCompleted(ctx, hold.TransactionID)
	s.publish("escrow.released", hold)
	s.triggerPayout(ctx, hold)

	s.logger.Info("escrow released",
		"holdId", hold.ID, "sellerId", hold.SellerID, "amount", hold.Amount)
	return hold, nil
}

// RefundOutcome is the structured result of RefundBuyer. AlreadyReleased
// is a business condition, not an error: the funds left pending and a
// reversing payout is an operator action.
type RefundOutcome struct {
	Outcome string  `json:"outcome"` // "refunded", "already_released", "already_refunded"
	Hold    *Hold   `json:"hold,omitempty"`
	Refund  *Refund `json:"refund,omitempty"`
}

const (
	OutcomeRefunded        = "refunded"
	OutcomeAlreadyReleased = "already_released"
	OutcomeAlreadyRefunded = "already_refunded"
)

// RefundBuyer returns a held amount to the buyer: clears the seller's
// pending balance, marks hold and transaction refunded, records a Refund,
// and asks the gateway to return the money. The gateway call is
// best-effort — ledger state is corrected regardless, and a gateway
// failure is logged for manual reconciliation.
func (s *Service) RefundBuyer(ctx context.Context, transactionID, reason string) (*RefundOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundBuyer", traces.TransactionID(transactionID))
	defer span.End()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	holds, err := s.store.ListHoldsByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, ErrHoldNotFound
	}
	hold := holds[0]

	mu := s.lockFor("hold:" + hold.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under lock.
	hold, err = s.store.GetHold(ctx, hold.ID)
	if err != nil {
		return nil, err
	}

	switch hold.Status {
	case HoldReleased, HoldTransferFailed:
		return &RefundOutcome{Outcome: OutcomeAlreadyReleased, Hold: hold}, nil
	case HoldRefunding, HoldRefunded:
		refund, err := s.store.GetRefundByTransaction(ctx, transactionID)
		if err != nil && !errors.Is(err, ErrRefundNotFound) {
			return nil, err
		}
		return &RefundOutcome{Outcome: OutcomeAlreadyRefunded, Hold: hold, Refund: refund}, nil
	}

	if err := s.ledger.RemovePending(ctx, hold.SellerID, hold.Amount, hold.ID); err != nil {
		return nil, fmt.Errorf("failed to clear pending balance: %w", err)
	}

	now := time.Now()
	hold.Status = HoldRefunding
	hold.UpdatedAt = now
	if err := s.markHoldCritical(ctx, hold, "refunding"); err != nil {
		return nil, err
	}

	refund := &Refund{
		ID:            idgen.WithPrefix("rfd_"),
		TransactionID: tx.ID,
		HoldID:        hold.ID,
		Amount:        hold.Amount,
		Status:        RefundInitiated,
		Reason:        reason,
		Events:        []RefundEvent{{At: now, Event: "initiated", Detail: reason}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	gatewayRef, gwErr := s.gateway.InitiateRefund(ctx, tx.PaymentReference, hold.Amount, reason)
	if gwErr != nil {
		s.logger.Error("gateway refund initiation failed, ledger already corrected",
			"transactionId", tx.ID, "holdId", hold.ID, "amount", hold.Amount, "error", gwErr)
		refund.Events = append(refund.Events, RefundEvent{At: time.Now(), Event: "gateway_failed", Detail: gwErr.Error()})
	} else {
		refund.GatewayRef = gatewayRef
	}

	if err := s.store.CreateRefund(ctx, refund); err != nil {
		s.logger.Error("failed to record refund entity", "transactionId", tx.ID, "error", err)
	}

	now = time.Now()
	hold.Status = HoldRefunded
	hold.RefundedAt = &now
	hold.UpdatedAt = now
	if err := s.markHoldCritical(ctx, hold, "refunded"); err != nil {
		return nil, err
	}

	tx.Status = TxRefunded
	tx.UpdatedAt = now
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		s.logger.Error("failed to mark transaction refunded", "transactionId", tx.ID, "error", err)
	}

	metrics.EscrowHoldsTotal.WithLabelValues(string(HoldRefunded)).Inc()
	s.notifyLinkCancelled(ctx, tx)
	s.publish("escrow.refunded", hold)

	s.logger.Info("buyer refunded",
		"transactionId", tx.ID, "holdId", hold.ID, "amount", hold.Amount, "reason", reason)
	return &RefundOutcome{Outcome: OutcomeRefunded, Hold: hold, Refund: refund}, nil
}

// PartialRefundOutcome is the structured result of PartialRefund.
type PartialRefundOutcome struct {
	RefundedHold *Hold   `json:"refundedHold"` // child record carrying the refunded portion
	ReleasedHold *Hold   `json:"releasedHold"` // original hold, reduced and released
	Refund       *Refund `json:"refund"`
}

// PartialRefund splits a held amount: refundAmount goes back to the buyer,
// the remainder is released to the seller's available balance. The hold is
// split into two records so conservation sums stay exact.
func (s *Service) PartialRefund(ctx context.Context, transactionID string, refundAmount int64, reason string) (*PartialRefundOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PartialRefund",
		traces.TransactionID(transactionID), traces.Amount(refundAmount))
	defer span.End()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	holds, err := s.store.ListHoldsByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, ErrHoldNotFound
	}
	hold := holds[0]

	mu := s.lockFor("hold:" + hold.ID)
	mu.Lock()
	defer mu.Unlock()

	hold, err = s.store.GetHold(ctx, hold.ID)
	if err != nil {
		return nil, err
	}
	if hold.Status != HoldHeld {
		return nil, fmt.Errorf("%w: cannot split hold in status %s", ErrInvalidStateTransition, hold.Status)
	}
	if refundAmount <= 0 || refundAmount >= hold.Amount {
		return nil, fmt.Errorf("%w: partial refund must be between 0 and the hold amount (exclusive)", ErrInvalidAmount)
	}
	remainder := hold.Amount - refundAmount

	now := time.Now()
	child := &Hold{
		ID:            idgen.WithPrefix("hold_"),
		TransactionID: hold.TransactionID,
		SellerID:      hold.SellerID,
		Amount:        refundAmount,
		Currency:      hold.Currency,
		Status:        HoldRefunded,
		ParentHoldID:  hold.ID,
		RefundedAt:    &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Refund leg: clear the refunded slice from pending.
	if err := s.ledger.RemovePending(ctx, hold.SellerID, refundAmount, child.ID); err != nil {
		return nil, fmt.Errorf("failed to clear pending for partial refund: %w", err)
	}
	if err := s.store.CreateHold(ctx, child); err != nil {
		_ = s.ledger.AddPending(ctx, hold.SellerID, refundAmount, child.ID)
		return nil, fmt.Errorf("failed to record split hold: %w", err)
	}

	// Release leg: move the remainder to available.
	if err := s.ledger.MovePendingToAvailable(ctx, hold.SellerID, remainder, hold.ID); err != nil {
		// The refund leg already committed; the original hold stays held
		// at the reduced amount and release can be re-invoked.
		hold.Amount = remainder
		hold.UpdatedAt = time.Now()
		_ = s.store.UpdateHold(ctx, hold)
		return nil, fmt.Errorf("failed to release remainder: %w", err)
	}

	hold.Amount = remainder
	hold.Status = HoldReleased
	hold.ReleasedAt = &now
	hold.UpdatedAt = now
	if err := s.markHoldCritical(ctx, hold, "released"); err != nil {
		return nil, err
	}

	refund := &Refund{
		ID:            idgen.WithPrefix("rfd_"),
		TransactionID: tx.ID,
		HoldID:        child.ID,
		Amount:        refundAmount,
		Status:        RefundInitiated,
		Reason:        reason,
		Events:        []RefundEvent{{At: now, Event: "initiated", Detail: reason}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	gatewayRef, gwErr := s.gateway.InitiateRefund(ctx, tx.PaymentReference, refundAmount, reason)
	if gwErr != nil {
		s.logger.Error("gateway partial refund initiation failed, ledger already corrected",
			"transactionId", tx.ID, "amount", refundAmount, "error", gwErr)
		refund.Events = append(refund.Events, RefundEvent{At: time.Now(), Event: "gateway_failed", Detail: gwErr.Error()})
	} else {
		refund.GatewayRef = gatewayRef
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		s.logger.Error("failed to record partial refund entity", "transactionId", tx.ID, "error", err)
	}

	metrics.EscrowHoldsTotal.WithLabelValues(string(HoldReleased)).Inc()
	metrics.EscrowHoldsTotal.WithLabelValues(string(HoldRefunded)).Inc()
	s.publish("escrow.partially_refunded", map[string]any{"released": hold, "refunded": child})
	s.triggerPayout(ctx, hold)

	s.logger.Info("hold split for partial refund",
		"transactionId", tx.ID, "holdId", hold.ID, "refunded", refundAmount, "released", remainder)
	return &PartialRefundOutcome{RefundedHold: child, ReleasedHold: hold, Refund: refund}, nil
}

// AutoReleaseResult is the outcome of an auto-release eligibility check.
// Ineligibility is routine scheduling state, not an error.
type AutoReleaseResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
	Hold     *Hold  `json:"hold,omitempty"`
}

// AutoRelease releases a transaction's hold once the dispatch proof is old
// enough, the buyer has not confirmed, and no dispute is open. Any failed
// precondition returns Eligible=false with the reason.
func (s *Service) AutoRelease(ctx context.Context, transactionID string) (*AutoReleaseResult, error) {
	notEligible := func(reason string) *AutoReleaseResult {
		return &AutoReleaseResult{Eligible: false, Reason: reason}
	}

	dispatchedAt, ok, err := s.delivery.DispatchedAt(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return notEligible("no dispatch proof recorded"), nil
	}
	if time.Since(dispatchedAt) < s.autoReleaseAfter {
		return notEligible("dispatch proof too recent"), nil
	}

	confirmed, err := s.delivery.IsConfirmed(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if confirmed {
		return notEligible("delivery already confirmed"), nil
	}

	if s.disputes != nil {
		open, err := s.disputes.HasOpenDispute(ctx, transactionID)
		if err != nil {
			return nil, err
		}
		if open {
			return notEligible("open dispute"), nil
		}
	}

	holds, err := s.store.ListHoldsByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var held *Hold
	for _, h := range holds {
		if h.Status == HoldHeld {
			held = h
			break
		}
	}
	if held == nil {
		return notEligible("no held escrow"), nil
	}

	if err := s.delivery.MarkAutoConfirmed(ctx, transactionID); err != nil {
		return nil, fmt.Errorf("failed to mark delivery auto-confirmed: %w", err)
	}

	released, err := s.ReleaseEscrow(ctx, held.ID)
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			// A concurrent release won the race; treat as routine.
			return notEligible("hold no longer held"), nil
		}
		return nil, err
	}

	s.logger.Info("escrow auto-released", "transactionId", transactionID, "holdId", released.ID)
	return &AutoReleaseResult{Eligible: true, Hold: released}, nil
}

// ConfirmRefundProcessed finalizes a refund when the gateway's
// refund.processed webhook arrives. Idempotent; unknown references are the
// caller's ignore-and-ack case.
func (s *Service) ConfirmRefundProcessed(ctx context.Context, paymentReference string) error {
	tx, err := s.store.GetTransactionByReference(ctx, paymentReference)
	if err != nil {
		return err
	}

	refund, err := s.store.GetRefundByTransaction(ctx, tx.ID)
	if err == nil && refund.Status != RefundProcessed {
		refund.Status = RefundProcessed
		refund.Events = append(refund.Events, RefundEvent{At: time.Now(), Event: "processed"})
		refund.UpdatedAt = time.Now()
		if err := s.store.UpdateRefund(ctx, refund); err != nil {
			return fmt.Errorf("failed to mark refund processed: %w", err)
		}
	} else if err != nil && !errors.Is(err, ErrRefundNotFound) {
		return err
	}

	// Recovery path: a hold stuck in refunding (crash between ledger move
	// and final status write) is settled by the webhook.
	holds, err := s.store.ListHoldsByTransaction(ctx, tx.ID)
	if err != nil {
		return err
	}
	for _, hold := range holds {
		if hold.Status != HoldRefunding {
			continue
		}
		mu := s.lockFor("hold:" + hold.ID)
		mu.Lock()
		fresh, err := s.store.GetHold(ctx, hold.ID)
		if err == nil && fresh.Status == HoldRefunding {
			now := time.Now()
			fresh.Status = HoldRefunded
			fresh.RefundedAt = &now
			fresh.UpdatedAt = now
			_ = s.store.UpdateHold(ctx, fresh)
		}
		mu.Unlock()
	}

	if tx.Status != TxRefunded {
		tx.Status = TxRefunded
		tx.UpdatedAt = time.Now()
		if err := s.store.UpdateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("failed to mark transaction refunded: %w", err)
		}
	}
	return nil
}

// SetHoldTransferReference records the gateway transfer reference on a
// hold when a payout begins.
func (s *Service) SetHoldTransferReference(ctx context.Context, holdID, reference string) error {
	mu := s.lockFor("hold:" + holdID)
	mu.Lock()
	defer mu.Unlock()

	hold, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	hold.TransferReference = reference
	hold.UpdatedAt = time.Now()
	return s.store.UpdateHold(ctx, hold)
}

// MarkHoldTransferFailed flags a released hold whose payout transfer
// failed. The hold is retryable; it never returns to held.
func (s *Service) MarkHoldTransferFailed(ctx context.Context, holdID string) error {
	mu := s.lockFor("hold:" + holdID)
	mu.Lock()
	defer mu.Unlock()

	hold, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	if hold.Status != HoldReleased && hold.Status != HoldTransferFailed {
		return fmt.Errorf("%w: cannot mark transfer failed from %s", ErrInvalidStateTransition, hold.Status)
	}
	if hold.Status == HoldTransferFailed {
		return nil
	}
	hold.Status = HoldTransferFailed
	hold.UpdatedAt = time.Now()
	if err := s.store.UpdateHold(ctx, hold); err != nil {
		return err
	}
	metrics.EscrowHoldsTotal.WithLabelValues(string(HoldTransferFailed)).Inc()
	s.publish("escrow.transfer_failed", hold)
	return nil
}

// ConfirmHoldTransfer finalizes a hold after its payout transfer
// succeeded. A hold in transfer_failed (earlier attempt failed, retry
// succeeded) returns to released. Idempotent.
func (s *Service) ConfirmHoldTransfer(ctx context.Context, holdID string) error {
	mu := s.lockFor("hold:" + holdID)
	mu.Lock()
	defer mu.Unlock()

	hold, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	switch hold.Status {
	case HoldReleased:
		return nil
	case HoldTransferFailed:
		hold.Status = HoldReleased
		hold.UpdatedAt = time.Now()
		return s.store.UpdateHold(ctx, hold)
	default:
		return fmt.Errorf("%w: cannot confirm transfer from %s", ErrInvalidStateTransition, hold.Status)
	}
}

// GetTransaction returns a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetHold returns a hold by ID.
func (s *Service) GetHold(ctx context.Context, id string) (*Hold, error) {
	return s.store.GetHold(ctx, id)
}

// GetHoldByTransferReference resolves a hold from a gateway transfer
// reference.
func (s *Service) GetHoldByTransferReference(ctx context.Context, reference string) (*Hold, error) {
	return s.store.GetHoldByTransferReference(ctx, reference)
}

// ListHoldsByTransaction returns the holds for a transaction, the
// original first.
func (s *Service) ListHoldsByTransaction(ctx context.Context, transactionID string) ([]*Hold, error) {
	return s.store.ListHoldsByTransaction(ctx, transactionID)
}

// ListTransactionsBySeller returns a seller's recent transactions.
func (s *Service) ListTransactionsBySeller(ctx context.Context, sellerID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactionsBySeller(ctx, sellerID, limit)
}

// HoldTotals aggregates hold amounts for reconciliation.
func (s *Service) HoldTotals(ctx context.Context) (*HoldTotals, error) {
	return s.store.HoldTotals(ctx)
}

// markHoldCritical persists a hold status change after funds have moved.
// Retries once; on repeated failure logs at CRITICAL severity because the
// ledger and the hold record now disagree and need manual resolution.
func (s *Service) markHoldCritical(ctx context.Context, hold *Hold, target string) error {
	if err := s.store.UpdateHold(ctx, hold); err != nil {
		if retryErr := s.store.UpdateHold(ctx, hold); retryErr != nil {
			s.logger.Error("CRITICAL: funds moved but hold status update failed",
				"holdId", hold.ID, "sellerId", hold.SellerID,
				"target", target, "error", retryErr)
			return fmt.Errorf("failed to update hold after balance move (requires manual resolution): %w", retryErr)
		}
	}
	return nil
}

func (s *Service) triggerPayout(ctx context.Context, hold *Hold) {
	if s.payouts == nil {
		return
	}
	if err := s.payouts.TriggerPayout(ctx, hold.ID, hold.SellerID, hold.Amount); err != nil {
		// Money stays in available_balance; the payout retry sweep or the
		// seller fixing their settings picks it up.
		s.logger.Warn("payout trigger failed",
			"holdId", hold.ID, "sellerId", hold.SellerID, "error", err)
	}
}

func (s *Service) notifyLinkPaid(ctx context.Context, tx *Transaction) {
	if s.links == nil || tx.LinkID == "" {
		return
	}
	if err := s.links.LinkPaid(ctx, tx.LinkID, tx.ID); err != nil {
		s.logger.Warn("link paid notification failed", "linkId", tx.LinkID, "error", err)
	}
}

func (s *Service) notifyLinkCompleted(ctx context.Context, transactionID string) {
	if s.links == nil {
		return
	}
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil || tx.LinkID == "" {
		return
	}
	if err := s.links.LinkCompleted(ctx, tx.LinkID); err != nil {
		s.logger.Warn("link completed notification failed", "linkId", tx.LinkID, "error", err)
	}
}

func (s *Service) notifyLinkCancelled(ctx context.Context, tx *Transaction) {
	if s.links == nil || tx.LinkID == "" {
		return
	}
	if err := s.links.LinkCancelled(ctx, tx.LinkID); err != nil {
		s.logger.Warn("link cancelled notification failed", "linkId", tx.LinkID, "error", err)
	}
}

func (s *Service) publish(eventType string, payload any) {
	if s.events != nil {
		s.events.Publish(eventType, payload)
	}
}
