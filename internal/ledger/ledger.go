// Package ledger tracks seller balances on the platform.
//
// A seller's money lives in three buckets:
//
//	pending_escrow — buyer funds held against open escrow holds
//	available      — released funds waiting to be paid out
//	total_paid_out — lifetime funds transferred to the seller's account
//
// The ledger is the sole writer of balance fields. Callers never read,
// modify and write a balance; they invoke one of the atomic operations
// below, each of which is a single read-modify-write at the storage
// layer. Two webhook deliveries racing on the same seller must not lose
// an update, and no bucket may ever go negative.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSellerNotFound    = errors.New("seller balance not found")
	ErrInsufficientFunds = errors.New("insufficient funds for ledger operation")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Balance is a seller's current balance across all buckets, in minor units.
type Balance struct {
	SellerID      string    `json:"sellerId"`
	PendingEscrow int64     `json:"pendingEscrow"`
	Available     int64     `json:"available"`
	TotalPaidOut  int64     `json:"totalPaidOut"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Entry is an append-only audit record of a single balance mutation.
type Entry struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"sellerId"`
	Type        string    `json:"type"` // escrow_hold, escrow_release, escrow_refund, payout_reserve, payout_restore, payout_confirm
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // hold ID, payout reference, etc.
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Totals is the sum of every seller's balance, used by reconciliation.
type Totals struct {
	PendingEscrow int64 `json:"pendingEscrow"`
	Available     int64 `json:"available"`
	TotalPaidOut  int64 `json:"totalPaidOut"`
}

// Store persists balances and audit entries. Every mutation is atomic:
// implementations must apply the balance change and the guard check
// (no bucket below zero) as one storage-level operation.
type Store interface {
	GetBalance(ctx context.Context, sellerID string) (*Balance, error)

	// AddPending credits pending_escrow when an escrow hold is created.
	AddPending(ctx context.Context, sellerID string, amount int64, reference string) error
	// RemovePending debits pending_escrow when a hold is refunded to the buyer.
	RemovePending(ctx context.Context, sellerID string, amount int64, reference string) error
	// MovePendingToAvailable settles a released hold: pending down, available up.
	MovePendingToAvailable(ctx context.Context, sellerID string, amount int64, reference string) error
	// ReserveAvailable debits available when a payout attempt begins.
	ReserveAvailable(ctx context.Context, sellerID string, amount int64, reference string) error
	// RestoreAvailable reverses a reserve after a failed payout attempt.
	RestoreAvailable(ctx context.Context, sellerID string, amount int64, reference string) error
	// ConfirmPaidOut credits total_paid_out once the gateway confirms the
	// transfer. The reserve from ReserveAvailable is the matching debit.
	ConfirmPaidOut(ctx context.Context, sellerID string, amount int64, reference string) error

	History(ctx context.Context, sellerID string, limit int) ([]*Entry, error)
	SumAllBalances(ctx context.Context) (*Totals, error)
}

// Ledger manages seller balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a seller's current balance.
func (l *Ledger) GetBalance(ctx context.Context, sellerID string) (*Balance, error) {
	return l.store.GetBalance(ctx, sellerID)
}

// AddPending credits a seller's pending escrow bucket.
func (l *Ledger) AddPending(ctx context.Context, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("add_pending")()
	return l.store.AddPending(ctx, sellerID, amount, reference)
}

// RemovePending debits a seller's pending escrow bucket (buyer refund).
func (l *Ledger) RemovePending(ctx context.Context, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("remove_pending")()
	return l.store.RemovePending(ctx, sellerID, amount, reference)
}

// MovePendingToAvailable settles a released hold into spendable balance.
func (l *Ledger) MovePendingToAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("move_pending_to_available")()
	return l.store.MovePendingToAvailable(ctx, sellerID, amount, reference)
}

// ReserveAvailable reserves spendable balance for an outbound transfer.
func (l *Ledger) ReserveAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("reserve_available")()
	return l.store.ReserveAvailable(ctx, sellerID, amount, reference)
}

// RestoreAvailable returns a reserved amount after a failed transfer.
func (l *Ledger) RestoreAvailable(ctx context.Context, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("restore_available")()
	return l.store.RestoreAvailable(ctx, sellerID, amount, reference)
}

// ConfirmPaidOut finalizes a confirmed transfer into lifetime payouts.
func (l *Ledger) ConfirmPaidOut(ctx context.Context, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("confirm_paid_out")()
	return l.store.ConfirmPaidOut(ctx, sellerID, amount, reference)
}

// History returns recent audit entries for a seller.
func (l *Ledger) History(ctx context.Context, sellerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, sellerID, limit)
}

// SumAllBalances returns platform-wide totals for reconciliation.
func (l *Ledger) SumAllBalances(ctx context.Context) (*Totals, error) {
	return l.store.SumAllBalances(ctx)
}
