package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/lipalink/lipalink/internal/escrow"
	"github.com/lipalink/lipalink/internal/idgen"
	"github.com/lipalink/lipalink/internal/paystack"
)

type fakeEscrowCreator struct {
	created []*escrow.Transaction
}

func (f *fakeEscrowCreator) CreateTransaction(_ context.Context, tx *escrow.Transaction) (*escrow.Transaction, error) {
	if tx.Amount <= 0 {
		return nil, escrow.ErrInvalidAmount
	}
	tx.ID = idgen.WithPrefix("txn_")
	tx.Status = escrow.TxPending
	f.created = append(f.created, tx)
	return tx, nil
}

type fakeGateway struct {
	fail  bool
	calls int
}

func (f *fakeGateway) InitializeCharge(_ context.Context, email string, amount int64, currency, reference string, _ map[string]any) (*paystack.ChargeAuthorization, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("gateway timeout")
	}
	return &paystack.ChargeAuthorization{
		AuthorizationURL: "https://checkout.paystack.com/" + reference,
		AccessCode:       "access_" + reference,
		Reference:        reference,
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(esc *fakeEscrowCreator, gw *fakeGateway) *Service {
	return NewService(NewMemoryStore(), esc, gw, testLogger())
}

func TestCreateLink(t *testing.T) {
	svc := newTestService(&fakeEscrowCreator{}, &fakeGateway{})
	ctx := context.Background()

	l, err := svc.CreateLink(ctx, "seller_1", "Handmade mug", "", 150000, "")
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	if !strings.HasPrefix(l.ID, "lnk_") {
		t.Errorf("expected lnk_ prefix, got %s", l.ID)
	}
	if l.Status != StatusActive {
		t.Errorf("status = %s", l.Status)
	}
	if l.Currency != "KES" {
		t.Errorf("currency default = %s", l.Currency)
	}

	if _, err := svc.CreateLink(ctx, "seller_1", "Free mug", "", 0, ""); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestCheckout(t *testing.T) {
	esc := &fakeEscrowCreator{}
	gw := &fakeGateway{}
	svc := newTestService(esc, gw)
	ctx := context.Background()

	l, _ := svc.CreateLink(ctx, "seller_1", "Handmade mug", "", 150000, "KES")
	result, err := svc.Checkout(ctx, l.ID, "buyer@example.com", "+254700000000")
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	if len(esc.created) != 1 {
		t.Fatalf("transactions created = %d", len(esc.created))
	}
	tx := esc.created[0]
	if tx.Amount != 150000 || tx.SellerID != "seller_1" || tx.LinkID != l.ID {
		t.Errorf("transaction = %+v", tx)
	}
	if !strings.HasPrefix(tx.PaymentReference, "chg_") {
		t.Errorf("payment reference = %s", tx.PaymentReference)
	}
	if result.Reference != tx.PaymentReference {
		t.Errorf("checkout reference = %s, want %s", result.Reference, tx.PaymentReference)
	}
	if result.AuthorizationURL == "" || result.AccessCode == "" {
		t.Error("missing gateway authorization details")
	}

	// The link stays active until the charge webhook lands.
	reloaded, _ := svc.Get(ctx, l.ID)
	if reloaded.Status != StatusActive {
		t.Errorf("link status after checkout = %s", reloaded.Status)
	}
}

func TestCheckoutInactiveLink(t *testing.T) {
	svc := newTestService(&fakeEscrowCreator{}, &fakeGateway{})
	ctx := context.Background()

	l, _ := svc.CreateLink(ctx, "seller_1", "Handmade mug", "", 150000, "KES")
	if _, err := svc.Deactivate(ctx, l.ID); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if _, err := svc.Checkout(ctx, l.ID, "buyer@example.com", ""); !errors.Is(err, ErrLinkNotActive) {
		t.Errorf("expected ErrLinkNotActive, got %v", err)
	}
	if _, err := svc.Checkout(ctx, "lnk_missing", "buyer@example.com", ""); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("expected ErrLinkNotFound, got %v", err)
	}
}

func TestCheckoutGatewayFailure(t *testing.T) {
	esc := &fakeEscrowCreator{}
	svc := newTestService(esc, &fakeGateway{fail: true})
	ctx := context.Background()

	l, _ := svc.CreateLink(ctx, "seller_1", "Handmade mug", "", 150000, "KES")
	if _, err := svc.Checkout(ctx, l.ID, "buyer@example.com", ""); err == nil {
		t.Fatal("expected checkout to fail when the gateway is down")
	}

	// The pending transaction is harmless; it never gets a charge webhook.
	reloaded, _ := svc.Get(ctx, l.ID)
	if reloaded.Status != StatusActive {
		t.Errorf("link status = %s", reloaded.Status)
	}
}

func TestNotifierTransitions(t *testing.T) {
	svc := newTestService(&fakeEscrowCreator{}, &fakeGateway{})
	ctx := context.Background()

	l, _ := svc.CreateLink(ctx, "seller_1", "Handmade mug", "", 150000, "KES")

	if err := svc.LinkPaid(ctx, l.ID, "txn_1"); err != nil {
		t.Fatalf("LinkPaid failed: %v", err)
	}
	reloaded, _ := svc.Get(ctx, l.ID)
	if reloaded.Status != StatusPaid || reloaded.TransactionID != "txn_1" {
		t.Errorf("after LinkPaid: %+v", reloaded)
	}

	// Repeat notification is a no-op.
	if err := svc.LinkPaid(ctx, l.ID, "txn_1"); err != nil {
		t.Fatalf("repeat LinkPaid failed: %v", err)
	}

	if err := svc.LinkCompleted(ctx, l.ID); err != nil {
		t.Fatalf("LinkCompleted failed: %v", err)
	}
	reloaded, _ = svc.Get(ctx, l.ID)
	if reloaded.Status != StatusCompleted {
		t.Errorf("after LinkCompleted: %s", reloaded.Status)
	}

	// Empty link ID is tolerated; not every transaction has a link.
	if err := svc.LinkCancelled(ctx, ""); err != nil {
		t.Errorf("LinkCancelled with empty ID: %v", err)
	}
}

func TestLinkCancelledOnRefund(t *testing.T) {
	svc := newTestService(&fakeEscrowCreator{}, &fakeGateway{})
	ctx := context.Background()

	l, _ := svc.CreateLink(ctx, "seller_1", "Handmade mug", "", 150000, "KES")
	_ = svc.LinkPaid(ctx, l.ID, "txn_1")
	if err := svc.LinkCancelled(ctx, l.ID); err != nil {
		t.Fatalf("LinkCancelled failed: %v", err)
	}
	reloaded, _ := svc.Get(ctx, l.ID)
	if reloaded.Status != StatusCancelled {
		t.Errorf("status = %s", reloaded.Status)
	}
}

func TestListBySeller(t *testing.T) {
	svc := newTestService(&fakeEscrowCreator{}, &fakeGateway{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateLink(ctx, "seller_1", "Item", "", 1000, "KES"); err != nil {
			t.Fatalf("CreateLink failed: %v", err)
		}
	}
	_, _ = svc.CreateLink(ctx, "seller_2", "Other", "", 1000, "KES")

	links, err := svc.ListBySeller(ctx, "seller_1", 10)
	if err != nil {
		t.Fatalf("ListBySeller failed: %v", err)
	}
	if len(links) != 3 {
		t.Errorf("links = %d, want 3", len(links))
	}
}
