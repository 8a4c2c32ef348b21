// Package webhook ingests payment-gateway webhook events.
//
// The receiver verifies the HMAC signature, maps the event name onto a
// closed set of kinds, and hands the reference to the owning service.
// Every handler is idempotent, so a replayed delivery is acknowledged
// without side effects. Unknown event names and unknown references are
// acknowledged with 200 so the gateway stops redelivering them; only a
// bad signature earns a 401.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/lipalink/lipalink/internal/escrow"
	"github.com/lipalink/lipalink/internal/metrics"
	"github.com/lipalink/lipalink/internal/payout"
	"github.com/lipalink/lipalink/internal/paystack"
	"github.com/lipalink/lipalink/internal/traces"
)

// EventKind is the closed set of gateway events the receiver acts on.
type EventKind string

const (
	KindUnknown         EventKind = "unknown"
	KindChargeSuccess   EventKind = "charge.success"
	KindTransferSuccess EventKind = "transfer.success"
	KindTransferFailed  EventKind = "transfer.failed"
	KindRefundProcessed EventKind = "refund.processed"
)

// ParseEventKind maps a gateway event name to a kind. Anything outside
// the closed set is KindUnknown, which the receiver acknowledges and
// ignores.
func ParseEventKind(event string) EventKind {
	switch event {
	case "charge.success":
		return KindChargeSuccess
	case "transfer.success":
		return KindTransferSuccess
	case "transfer.failed", "transfer.reversed":
		return KindTransferFailed
	case "refund.processed":
		return KindRefundProcessed
	default:
		return KindUnknown
	}
}

// envelope is the common shape of a Paystack webhook body.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type eventData struct {
	Reference     string `json:"reference"`
	GatewayReason string `json:"gateway_response"`
	Status        string `json:"status"`
}

// SignatureVerifier checks the gateway's HMAC signature over the raw body.
type SignatureVerifier interface {
	VerifyWebhookSignature(body []byte, signature string) bool
}

// EscrowService is the escrow surface webhook events finalize.
type EscrowService interface {
	ConfirmChargeByReference(ctx context.Context, reference string) (*escrow.Hold, error)
	ConfirmRefundProcessed(ctx context.Context, paymentReference string) error
}

// PayoutService settles transfer events against payout rows.
type PayoutService interface {
	HandleTransferSuccess(ctx context.Context, transferReference string) error
	HandleTransferFailed(ctx context.Context, transferReference, reason string) error
}

// ChargeVerifier fetches the gateway's authoritative view of a charge.
type ChargeVerifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*paystack.ChargeStatus, error)
}

// Receiver processes verified webhook deliveries.
type Receiver struct {
	verifier SignatureVerifier
	escrow   EscrowService
	payouts  PayoutService
	charges  ChargeVerifier
	logger   *slog.Logger
}

// NewReceiver creates a webhook receiver.
func NewReceiver(verifier SignatureVerifier, escrowSvc EscrowService, payoutSvc PayoutService, logger *slog.Logger) *Receiver {
	return &Receiver{
		verifier: verifier,
		escrow:   escrowSvc,
		payouts:  payoutSvc,
		logger:   logger,
	}
}

// WithChargeVerification makes the receiver confirm a charge.success
// claim against the gateway's verify endpoint before money is locked.
func (r *Receiver) WithChargeVerification(v ChargeVerifier) *Receiver {
	r.charges = v
	return r
}

// Process dispatches one parsed event. The returned error means the
// delivery should NOT be acknowledged; an event that is unknown, stale,
// or references nothing we track returns nil so the gateway stops
// retrying it.
func (r *Receiver) Process(ctx context.Context, kind EventKind, data eventData) error {
	ctx, span := traces.StartSpan(ctx, "webhook.Process", traces.Reference(data.Reference))
	defer span.End()

	switch kind {
	case KindChargeSuccess:
		if r.charges != nil {
			status, err := r.charges.VerifyTransaction(ctx, data.Reference)
			if err != nil {
				return err
			}
			if status.Status != "success" {
				r.logger.Warn("charge.success claim not confirmed by gateway",
					"reference", data.Reference, "status", status.Status)
				metrics.WebhookEventsTotal.WithLabelValues(string(kind), "unverified").Inc()
				return nil
			}
		}
		_, err := r.escrow.ConfirmChargeByReference(ctx, data.Reference)
		if errors.Is(err, escrow.ErrTransactionNotFound) {
			r.logger.Warn("charge.success for unknown reference", "reference", data.Reference)
			metrics.WebhookEventsTotal.WithLabelValues(string(kind), "unmatched").Inc()
			return nil
		}
		return err

	case KindTransferSuccess:
		err := r.payouts.HandleTransferSuccess(ctx, data.Reference)
		if errors.Is(err, payout.ErrPayoutNotFound) {
			r.logger.Warn("transfer.success for unknown reference", "reference", data.Reference)
			metrics.WebhookEventsTotal.WithLabelValues(string(kind), "unmatched").Inc()
			return nil
		}
		return err

	case KindTransferFailed:
		reason := data.GatewayReason
		if reason == "" {
			reason = data.Status
		}
		err := r.payouts.HandleTransferFailed(ctx, data.Reference, reason)
		if errors.Is(err, payout.ErrPayoutNotFound) {
			r.logger.Warn("transfer failure for unknown reference", "reference", data.Reference)
			metrics.WebhookEventsTotal.WithLabelValues(string(kind), "unmatched").Inc()
			return nil
		}
		return err

	case KindRefundProcessed:
		err := r.escrow.ConfirmRefundProcessed(ctx, data.Reference)
		if errors.Is(err, escrow.ErrRefundNotFound) || errors.Is(err, escrow.ErrTransactionNotFound) {
			r.logger.Warn("refund.processed for unknown reference", "reference", data.Reference)
			metrics.WebhookEventsTotal.WithLabelValues(string(kind), "unmatched").Inc()
			return nil
		}
		return err
	}

	// Default branch of the dispatch table: acknowledge and move on.
	r.logger.Debug("ignoring webhook event", "kind", kind)
	metrics.WebhookEventsTotal.WithLabelValues(string(KindUnknown), "ignored").Inc()
	return nil
}
