// Package link manages payment links, the marketplace entry point.
//
// A seller creates a link for an item; a buyer checks out against it,
// which opens a pending escrow transaction and a gateway charge. The
// escrow engine drives the link's later transitions through the
// LinkNotifier callbacks: paid when the charge lands, completed when
// escrow releases, cancelled when the buyer is refunded.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lipalink/lipalink/internal/escrow"
	"github.com/lipalink/lipalink/internal/idgen"
	"github.com/lipalink/lipalink/internal/money"
	"github.com/lipalink/lipalink/internal/paystack"
)

var (
	ErrLinkNotFound  = errors.New("payment link not found")
	ErrLinkNotActive = errors.New("payment link is not active")
)

// Status is the lifecycle state of a payment link.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Link is a shareable payment page for a single item.
type Link struct {
	ID            string    `json:"id"`
	SellerID      string    `json:"sellerId"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Amount        int64     `json:"amount"` // minor units
	Currency      string    `json:"currency"`
	Status        Status    `json:"status"`
	TransactionID string    `json:"transactionId,omitempty"` // set once a buyer checks out
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists payment links.
type Store interface {
	Create(ctx context.Context, l *Link) error
	Get(ctx context.Context, id string) (*Link, error)
	Update(ctx context.Context, l *Link) error
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Link, error)
}

// EscrowCreator opens the pending transaction a checkout produces.
type EscrowCreator interface {
	CreateTransaction(ctx context.Context, tx *escrow.Transaction) (*escrow.Transaction, error)
}

// ChargeInitializer starts a gateway charge for a checkout.
type ChargeInitializer interface {
	InitializeCharge(ctx context.Context, email string, amount int64, currency, reference string, metadata map[string]any) (*paystack.ChargeAuthorization, error)
}

// Service manages payment links and buyer checkout.
type Service struct {
	store   Store
	escrow  EscrowCreator
	gateway ChargeInitializer
	logger  *slog.Logger
	locks   sync.Map
}

// NewService creates a new link service.
func NewService(store Store, escrowSvc EscrowCreator, gateway ChargeInitializer, logger *slog.Logger) *Service {
	return &Service{store: store, escrow: escrowSvc, gateway: gateway, logger: logger}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore("link:"+id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateLink publishes a new payment link for a seller.
func (s *Service) CreateLink(ctx context.Context, sellerID, title, description string, amount int64, currency string) (*Link, error) {
	if amount <= 0 {
		return nil, money.ErrInvalidAmount
	}
	if currency == "" {
		currency = money.DefaultCurrency
	}
	now := time.Now()
	l := &Link{
		ID:          idgen.WithPrefix("lnk_"),
		SellerID:    sellerID,
		Title:       title,
		Description: description,
		Amount:      amount,
		Currency:    currency,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}
	s.logger.Info("payment link created",
		"linkId", l.ID, "sellerId", sellerID, "amount", money.FormatWithCurrency(amount, currency))
	return l, nil
}

// CheckoutResult is what the buyer needs to complete payment.
type CheckoutResult struct {
	Link             *Link               `json:"link"`
	Transaction      *escrow.Transaction `json:"transaction"`
	AuthorizationURL string              `json:"authorizationUrl"`
	AccessCode       string              `json:"accessCode"`
	Reference        string              `json:"reference"`
}

// Checkout opens a pending transaction against an active link and
// initializes the gateway charge. The link stays active until the
// charge webhook lands; an abandoned checkout costs nothing.
func (s *Service) Checkout(ctx context.Context, linkID, buyerEmail, buyerPhone string) (*CheckoutResult, error) {
	mu := s.lockFor(linkID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.store.Get(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, ErrLinkNotActive
	}

	tx := &escrow.Transaction{
		LinkID:     l.ID,
		SellerID:   l.SellerID,
		BuyerEmail: buyerEmail,
		BuyerPhone: buyerPhone,
		Amount:     l.Amount,
		Currency:   l.Currency,
	}
	tx.PaymentReference = idgen.WithPrefix("chg_")
	tx, err = s.escrow.CreateTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}

	auth, err := s.gateway.InitializeCharge(ctx, buyerEmail, l.Amount, l.Currency, tx.PaymentReference, map[string]any{
		"link_id":        l.ID,
		"transaction_id": tx.ID,
		"seller_id":      l.SellerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize charge: %w", err)
	}

	s.logger.Info("checkout started",
		"linkId", l.ID, "transactionId", tx.ID, "reference", tx.PaymentReference)
	return &CheckoutResult{
		Link:             l,
		Transaction:      tx,
		AuthorizationURL: auth.AuthorizationURL,
		AccessCode:       auth.AccessCode,
		Reference:        tx.PaymentReference,
	}, nil
}

// Get returns a link by ID.
func (s *Service) Get(ctx context.Context, id string) (*Link, error) {
	return s.store.Get(ctx, id)
}

// ListBySeller returns a seller's links, newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Link, error) {
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// Deactivate takes an unpaid link off the market.
func (s *Service) Deactivate(ctx context.Context, id string) (*Link, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, ErrLinkNotActive
	}
	l.Status = StatusCancelled
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to deactivate link: %w", err)
	}
	return l, nil
}

// LinkPaid marks the link paid once the buyer's charge lands.
func (s *Service) LinkPaid(ctx context.Context, linkID, transactionID string) error {
	return s.transition(ctx, linkID, StatusPaid, transactionID)
}

// LinkCompleted marks the link completed when escrow releases.
func (s *Service) LinkCompleted(ctx context.Context, linkID string) error {
	return s.transition(ctx, linkID, StatusCompleted, "")
}

// LinkCancelled marks the link cancelled when the buyer is refunded.
func (s *Service) LinkCancelled(ctx context.Context, linkID string) error {
	return s.transition(ctx, linkID, StatusCancelled, "")
}

func (s *Service) transition(ctx context.Context, linkID string, status Status, transactionID string) error {
	if linkID == "" {
		return nil
	}
	mu := s.lockFor(linkID)
	mu.Lock()
	defer mu.Unlock()

	l, err := s.store.Get(ctx, linkID)
	if err != nil {
		return err
	}
	if l.Status == status {
		return nil
	}
	l.Status = status
	if transactionID != "" {
		l.TransactionID = transactionID
	}
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return fmt.Errorf("failed to update link status: %w", err)
	}
	s.logger.Info("payment link status changed", "linkId", linkID, "status", status)
	return nil
}
