// Package payout converts released escrow into outbound transfers.
//
// Every transfer attempt is its own Payout row; a retry creates a new row
// with a fresh transfer reference rather than mutating the failed one, so
// the attempt history is an audit trail. The reserve invariant is:
// reserved on create, restored on terminal failure, re-reserved on retry.
// Each row owns exactly one reserve and one terminal disposition.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lipalink/lipalink/internal/idgen"
	"github.com/lipalink/lipalink/internal/metrics"
	"github.com/lipalink/lipalink/internal/traces"
)

var (
	ErrPayoutNotFound   = errors.New("payout not found")
	ErrSettingsNotFound = errors.New("payout settings not found")
	ErrNotRetryable     = errors.New("payout is not in a retryable state")
)

// Status is the state of one payout attempt.
type Status string

const (
	StatusPending Status = "PENDING" // Transfer initiated, awaiting gateway confirmation
	StatusSuccess Status = "SUCCESS" // Gateway confirmed the transfer
	StatusFailed  Status = "FAILED"  // Transfer failed; balance restored
)

// Payout is one transfer attempt for a released hold.
type Payout struct {
	ID                string    `json:"id"`
	SellerID          string    `json:"sellerId"`
	HoldID            string    `json:"holdId"`
	Amount            int64     `json:"amount"` // minor units
	Currency          string    `json:"currency"`
	Status            Status    `json:"status"`
	TransferReference string    `json:"transferReference"` // our idempotency key at the gateway
	TransferCode      string    `json:"transferCode,omitempty"`
	RetryCount        int       `json:"retryCount"`
	ParentPayoutID    string    `json:"parentPayoutId,omitempty"`
	FailureReason     string    `json:"failureReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Settings holds a seller's payout destination. Money released for a
// seller without verified settings stays in available_balance until the
// settings exist.
type Settings struct {
	SellerID      string    `json:"sellerId"`
	RecipientType string    `json:"recipientType"` // "bank", "mobile_money"
	AccountName   string    `json:"accountName"`
	AccountNumber string    `json:"accountNumber"`
	BankCode      string    `json:"bankCode"`
	RecipientCode string    `json:"recipientCode"` // gateway recipient handle
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists payouts and seller payout settings.
type Store interface {
	CreatePayout(ctx context.Context, p *Payout) error
	GetPayout(ctx context.Context, id string) (*Payout, error)
	GetPayoutByReference(ctx context.Context, reference string) (*Payout, error)
	UpdatePayout(ctx context.Context, p *Payout) error
	ListPayoutsBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error)
	// ListRetryable returns FAILED payouts under the retry cap that have
	// not already been superseded by a retry row.
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*Payout, error)
	// SumPendingAmount totals the amounts of PENDING payouts. Reserved
	// funds sit in no ledger bucket while a transfer is in flight, so
	// the reconciliation sweep adds this back.
	SumPendingAmount(ctx context.Context) (int64, error)

	GetSettings(ctx context.Context, sellerID string) (*Settings, error)
	UpsertSettings(ctx context.Context, s *Settings) error
}

// LedgerService abstracts the balance operations payouts need.
type LedgerService interface {
	ReserveAvailable(ctx context.Context, sellerID string, amount int64, reference string) error
	RestoreAvailable(ctx context.Context, sellerID string, amount int64, reference string) error
	ConfirmPaidOut(ctx context.Context, sellerID string, amount int64, reference string) error
}

// Gateway initiates transfers and registers recipients.
type Gateway interface {
	InitiateTransfer(ctx context.Context, amount int64, recipientCode, reason, reference string) (transferCode string, err error)
	CreateTransferRecipient(ctx context.Context, recipientType, name, accountNumber, bankCode, currency string) (recipientCode string, err error)
}

// HoldService keeps escrow hold status in lockstep with payout outcomes.
type HoldService interface {
	SetHoldTransferReference(ctx context.Context, holdID, reference string) error
	MarkHoldTransferFailed(ctx context.Context, holdID string) error
	ConfirmHoldTransfer(ctx context.Context, holdID string) error
}

// EventPublisher broadcasts payout lifecycle events.
type EventPublisher interface {
	Publish(eventType string, payload any)
}

// Outcome is the structured result of a payout initiation. Missing
// settings is a business condition surfaced to the seller, not an error.
type Outcome struct {
	Result string  `json:"result"` // "initiated", "settings_missing", "transfer_failed"
	Payout *Payout `json:"payout,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

const (
	OutcomeInitiated       = "initiated"
	OutcomeSettingsMissing = "settings_missing"
	OutcomeTransferFailed  = "transfer_failed"
)

// Service implements the payout orchestrator.
type Service struct {
	store      Store
	ledger     LedgerService
	gateway    Gateway
	holds      HoldService
	events     EventPublisher
	logger     *slog.Logger
	currency   string
	maxRetries int
	locks      sync.Map // per-payout and per-hold locks
}

// NewService creates a new payout orchestrator.
func NewService(store Store, ledger LedgerService, gateway Gateway, holds HoldService, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		ledger:     ledger,
		gateway:    gateway,
		holds:      holds,
		logger:     logger,
		currency:   "KES",
		maxRetries: 3,
	}
}

// WithEvents adds the realtime event publisher.
func (s *Service) WithEvents(e EventPublisher) *Service {
	s.events = e
	return s
}

// WithCurrency overrides the payout currency.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = c
	}
	return s
}

// WithMaxRetries overrides the automatic retry cap.
func (s *Service) WithMaxRetries(n int) *Service {
	if n >= 0 {
		s.maxRetries = n
	}
	return s
}

// MaxRetries returns the automatic retry cap.
func (s *Service) MaxRetries() int {
	return s.maxRetries
}

func (s *Service) lockFor(key string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// TriggerPayout satisfies the escrow engine's payout trigger. Non-success
// outcomes surface as errors so the caller logs them; the money stays in
// available_balance either way.
func (s *Service) TriggerPayout(ctx context.Context, holdID, sellerID string, amount int64) error {
	outcome, err := s.InitiateAutoPayout(ctx, holdID, sellerID, amount)
	if err != nil {
		return err
	}
	if outcome.Result != OutcomeInitiated {
		return fmt.Errorf("payout not initiated: %s (%s)", outcome.Result, outcome.Reason)
	}
	return nil
}

// InitiateAutoPayout starts a transfer for a released hold: creates a
// PENDING row, reserves the amount from available_balance, then calls the
// gateway. On gateway failure the reservation is restored and the row
// marked FAILED — balance is never silently lost.
func (s *Service) InitiateAutoPayout(ctx context.Context, holdID, sellerID string, amount int64) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "payout.InitiateAutoPayout",
		traces.SellerID(sellerID), traces.HoldID(holdID), traces.Amount(amount))
	defer span.End()

	mu := s.lockFor("hold:" + holdID)
	mu.Lock()
	defer mu.Unlock()

	settings, err := s.store.GetSettings(ctx, sellerID)
	if err != nil {
		if errors.Is(err, ErrSettingsNotFound) {
			s.logger.Warn("payout blocked: seller has no payout settings",
				"sellerId", sellerID, "holdId", holdID, "amount", amount)
			return &Outcome{Result: OutcomeSettingsMissing, Reason: "no payout settings on file"}, nil
		}
		return nil, err
	}
	if !settings.Verified || settings.RecipientCode == "" {
		s.logger.Warn("payout blocked: payout settings not verified",
			"sellerId", sellerID, "holdId", holdID)
		return &Outcome{Result: OutcomeSettingsMissing, Reason: "payout settings not verified"}, nil
	}

	now := time.Now()
	payout := &Payout{
		ID:        idgen.WithPrefix("po_"),
		SellerID:  sellerID,
		HoldID:    holdID,
		Amount:    amount,
		Currency:  s.currency,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payout.TransferReference = payout.ID
	if err := s.store.CreatePayout(ctx, payout); err != nil {
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}

	return s.executeTransfer(ctx, payout, settings)
}

// RetryFailedPayout creates a fresh attempt for a FAILED payout. The new
// row carries a suffixed transfer reference so the gateway treats it as a
// new transfer, and re-reserves the amount (it was restored when the
// parent failed).
func (s *Service) RetryFailedPayout(ctx context.Context, payoutID string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "payout.RetryFailedPayout", traces.PayoutID(payoutID))
	defer span.End()

	mu := s.lockFor("payout:" + payoutID)
	mu.Lock()
	defer mu.Unlock()

	parent, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if parent.Status != StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, parent.Status)
	}

	settings, err := s.store.GetSettings(ctx, parent.SellerID)
	if err != nil {
		if errors.Is(err, ErrSettingsNotFound) {
			return &Outcome{Result: OutcomeSettingsMissing, Reason: "no payout settings on file"}, nil
		}
		return nil, err
	}
	if !settings.Verified || settings.RecipientCode == "" {
		return &Outcome{Result: OutcomeSettingsMissing, Reason: "payout settings not verified"}, nil
	}

	now := time.Now()
	retry := &Payout{
		ID:                idgen.WithPrefix("po_"),
		SellerID:          parent.SellerID,
		HoldID:            parent.HoldID,
		Amount:            parent.Amount,
		Currency:          parent.Currency,
		Status:            StatusPending,
		RetryCount:        parent.RetryCount + 1,
		ParentPayoutID:    parent.ID,
		TransferReference: fmt.Sprintf("%s-r%d", baseReference(parent.TransferReference), parent.RetryCount+1),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreatePayout(ctx, retry); err != nil {
		return nil, fmt.Errorf("failed to create retry payout: %w", err)
	}

	return s.executeTransfer(ctx, retry, settings)
}

// executeTransfer reserves the balance and calls the gateway, compensating
// on failure. Caller holds the appropriate lock.
func (s *Service) executeTransfer(ctx context.Context, payout *Payout, settings *Settings) (*Outcome, error) {
	if err := s.ledger.ReserveAvailable(ctx, payout.SellerID, payout.Amount, payout.TransferReference); err != nil {
		s.markFailed(ctx, payout, fmt.Sprintf("reserve failed: %v", err))
		return nil, fmt.Errorf("failed to reserve payout amount: %w", err)
	}

	if s.holds != nil {
		if err := s.holds.SetHoldTransferReference(ctx, payout.HoldID, payout.TransferReference); err != nil {
			s.logger.Warn("failed to tag hold with transfer reference",
				"holdId", payout.HoldID, "payoutId", payout.ID, "error", err)
		}
	}

	transferCode, err := s.gateway.InitiateTransfer(ctx, payout.Amount, settings.RecipientCode,
		"escrow payout", payout.TransferReference)
	if err != nil {
		// Compensate: the reservation must not outlive a failed attempt.
		if restoreErr := s.ledger.RestoreAvailable(ctx, payout.SellerID, payout.Amount, payout.TransferReference); restoreErr != nil {
			s.logger.Error("CRITICAL: transfer failed and balance restore failed",
				"payoutId", payout.ID, "sellerId", payout.SellerID,
				"amount", payout.Amount, "error", restoreErr)
		}
		s.markFailed(ctx, payout, err.Error())
		if s.holds != nil {
			if holdErr := s.holds.MarkHoldTransferFailed(ctx, payout.HoldID); holdErr != nil {
				s.logger.Warn("failed to flag hold transfer_failed",
					"holdId", payout.HoldID, "error", holdErr)
			}
		}
		metrics.PayoutsTotal.WithLabelValues("failed").Inc()
		s.publish("payout.failed", payout)
		return &Outcome{Result: OutcomeTransferFailed, Payout: payout, Reason: err.Error()}, nil
	}

	payout.TransferCode = transferCode
	payout.UpdatedAt = time.Now()
	if err := s.store.UpdatePayout(ctx, payout); err != nil {
		// The transfer is in flight; the webhook will still find the row
		// by reference and finalize it.
		s.logger.Error("failed to record transfer code", "payoutId", payout.ID, "error", err)
	}

	metrics.PayoutsTotal.WithLabelValues("initiated").Inc()
	s.publish("payout.initiated", payout)
	s.logger.Info("payout initiated",
		"payoutId", payout.ID, "sellerId", payout.SellerID,
		"amount", payout.Amount, "reference", payout.TransferReference)
	return &Outcome{Result: OutcomeInitiated, Payout: payout}, nil
}

// HandleTransferSuccess finalizes a payout when the gateway confirms the
// transfer: moves the reserved amount into total_paid_out, marks the row
// SUCCESS, and settles the hold. Idempotent on webhook replay.
func (s *Service) HandleTransferSuccess(ctx context.Context, transferReference string) error {
	payout, err := s.store.GetPayoutByReference(ctx, transferReference)
	if err != nil {
		return err
	}

	mu := s.lockFor("payout:" + payout.ID)
	mu.Lock()
	defer mu.Unlock()

	payout, err = s.store.GetPayout(ctx, payout.ID)
	if err != nil {
		return err
	}

	switch payout.Status {
	case StatusSuccess:
		return nil
	case StatusFailed:
		// Compensation already restored the balance, but the gateway says
		// the money moved. Re-reserve before confirming so the buckets
		// stay honest.
		s.logger.Warn("transfer succeeded after local failure, re-reserving",
			"payoutId", payout.ID, "reference", transferReference)
		if err := s.ledger.ReserveAvailable(ctx, payout.SellerID, payout.Amount, payout.TransferReference); err != nil {
			s.logger.Error("CRITICAL: cannot re-reserve for late transfer success",
				"payoutId", payout.ID, "sellerId", payout.SellerID, "error", err)
			return fmt.Errorf("failed to re-reserve for late success: %w", err)
		}
	}

	if err := s.ledger.ConfirmPaidOut(ctx, payout.SellerID, payout.Amount, payout.TransferReference); err != nil {
		return fmt.Errorf("failed to confirm paid out: %w", err)
	}

	payout.Status = StatusSuccess
	payout.FailureReason = ""
	payout.UpdatedAt = time.Now()
	if err := s.store.UpdatePayout(ctx, payout); err != nil {
		if retryErr := s.store.UpdatePayout(ctx, payout); retryErr != nil {
			s.logger.Error("CRITICAL: paid out but payout status update failed",
				"payoutId", payout.ID, "sellerId", payout.SellerID, "error", retryErr)
			return fmt.Errorf("failed to update payout after confirmation (requires manual resolution): %w", retryErr)
		}
	}

	if s.holds != nil {
		if err := s.holds.ConfirmHoldTransfer(ctx, payout.HoldID); err != nil {
			s.logger.Warn("failed to settle hold after transfer success",
				"holdId", payout.HoldID, "error", err)
		}
	}

	metrics.PayoutsTotal.WithLabelValues("success").Inc()
	s.publish("payout.succeeded", payout)
	s.logger.Info("payout succeeded",
		"payoutId", payout.ID, "sellerId", payout.SellerID, "amount", payout.Amount)
	return nil
}

// HandleTransferFailed marks a payout FAILED when the gateway reports the
// transfer failed, restores the reserved balance, and flags the hold for
// retry. Idempotent on webhook replay.
func (s *Service) HandleTransferFailed(ctx context.Context, transferReference, reason string) error {
	payout, err := s.store.GetPayoutByReference(ctx, transferReference)
	if err != nil {
		return err
	}

	mu := s.lockFor("payout:" + payout.ID)
	mu.Lock()
	defer mu.Unlock()

	payout, err = s.store.GetPayout(ctx, payout.ID)
	if err != nil {
		return err
	}

	switch payout.Status {
	case StatusFailed:
		return nil
	case StatusSuccess:
		// A failure event after success is a gateway anomaly; the money
		// already left. Never claw back automatically.
		s.logger.Error("transfer.failed received for a SUCCESS payout, ignoring",
			"payoutId", payout.ID, "reference", transferReference)
		return nil
	}

	if err := s.ledger.RestoreAvailable(ctx, payout.SellerID, payout.Amount, payout.TransferReference); err != nil {
		return fmt.Errorf("failed to restore balance after transfer failure: %w", err)
	}

	payout.Status = StatusFailed
	payout.FailureReason = reason
	payout.UpdatedAt = time.Now()
	if err := s.store.UpdatePayout(ctx, payout); err != nil {
		if retryErr := s.store.UpdatePayout(ctx, payout); retryErr != nil {
			s.logger.Error("CRITICAL: balance restored but payout status update failed",
				"payoutId", payout.ID, "sellerId", payout.SellerID, "error", retryErr)
			return fmt.Errorf("failed to update payout after restore (requires manual resolution): %w", retryErr)
		}
	}

	if s.holds != nil {
		if err := s.holds.MarkHoldTransferFailed(ctx, payout.HoldID); err != nil {
			s.logger.Warn("failed to flag hold transfer_failed",
				"holdId", payout.HoldID, "error", err)
		}
	}

	metrics.PayoutsTotal.WithLabelValues("failed").Inc()
	s.publish("payout.failed", payout)
	s.logger.Warn("payout failed",
		"payoutId", payout.ID, "sellerId", payout.SellerID,
		"amount", payout.Amount, "reason", reason)
	return nil
}

// SettingsRequest contains the parameters for registering payout settings.
type SettingsRequest struct {
	RecipientType string `json:"recipientType" binding:"required"`
	AccountName   string `json:"accountName" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	BankCode      string `json:"bankCode" binding:"required"`
}

// UpsertSettings registers or replaces a seller's payout destination,
// creating the transfer recipient at the gateway. Settings become
// verified once the gateway accepts the recipient.
func (s *Service) UpsertSettings(ctx context.Context, sellerID string, req SettingsRequest) (*Settings, error) {
	recipientCode, err := s.gateway.CreateTransferRecipient(ctx, req.RecipientType,
		req.AccountName, req.AccountNumber, req.BankCode, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to register transfer recipient: %w", err)
	}

	now := time.Now()
	settings := &Settings{
		SellerID:      sellerID,
		RecipientType: req.RecipientType,
		AccountName:   req.AccountName,
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
		RecipientCode: recipientCode,
		Verified:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to save payout settings: %w", err)
	}

	s.logger.Info("payout settings saved",
		"sellerId", sellerID, "recipientType", req.RecipientType)
	return settings, nil
}

// GetSettings returns a seller's payout settings.
func (s *Service) GetSettings(ctx context.Context, sellerID string) (*Settings, error) {
	return s.store.GetSettings(ctx, sellerID)
}

// GetPayout returns a payout by ID.
func (s *Service) GetPayout(ctx context.Context, id string) (*Payout, error) {
	return s.store.GetPayout(ctx, id)
}

// ListPayoutsBySeller returns a seller's payout attempts, newest first.
func (s *Service) ListPayoutsBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListPayoutsBySeller(ctx, sellerID, limit)
}

// ListRetryable returns FAILED payouts the retry sweep may re-attempt.
func (s *Service) ListRetryable(ctx context.Context, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListRetryable(ctx, s.maxRetries, limit)
}

// SumInFlight totals the amounts of payouts still awaiting a gateway verdict.
func (s *Service) SumInFlight(ctx context.Context) (int64, error) {
	return s.store.SumPendingAmount(ctx)
}

func (s *Service) markFailed(ctx context.Context, payout *Payout, reason string) {
	payout.Status = StatusFailed
	payout.FailureReason = reason
	payout.UpdatedAt = time.Now()
	if err := s.store.UpdatePayout(ctx, payout); err != nil {
		s.logger.Error("failed to mark payout FAILED", "payoutId", payout.ID, "error", err)
	}
}

func (s *Service) publish(eventType string, payload any) {
	if s.events != nil {
		s.events.Publish(eventType, payload)
	}
}

// baseReference strips a retry suffix so chained retries share one root
// reference: po_abc, po_abc-r1, po_abc-r2.
func baseReference(ref string) string {
	if i := strings.Index(ref, "-r"); i > 0 {
		return ref[:i]
	}
	return ref
}
