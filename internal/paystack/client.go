// Package paystack wraps the Paystack REST API behind the narrow gateway
// contract the escrow core consumes: initialize a charge, verify a charge,
// create a transfer recipient, initiate a transfer or refund, and verify
// inbound webhook signatures.
//
// The client is pure request/response; it holds no state about
// transactions or balances. Transient failures (network, gateway 5xx) are
// retried with backoff. Every mutating call carries a caller-supplied
// reference, which Paystack uses to de-duplicate, so a retried request is
// safe.
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lipalink/lipalink/internal/metrics"
	"github.com/lipalink/lipalink/internal/retry"
)

var (
	ErrGatewayRejected    = errors.New("gateway rejected the request")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

const (
	maxAttempts = 3
	retryDelay  = 500 * time.Millisecond
)

// Client is a Paystack API client.
type Client struct {
	secretKey string
	baseURL   string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a Paystack client. timeout bounds every API call;
// a call that does not return in time is treated as failed and the
// caller's compensating path runs.
func NewClient(secretKey, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		secretKey: secretKey,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// VerifyWebhookSignature checks the x-paystack-signature header: an
// HMAC-SHA512 of the raw body keyed with the secret key.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ChargeAuthorization is the result of initializing a charge.
type ChargeAuthorization struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// InitializeCharge starts a checkout session for a buyer. amount is in
// minor units. The returned authorization URL is where the buyer pays.
func (c *Client) InitializeCharge(ctx context.Context, email string, amount int64, currency, reference string, metadata map[string]any) (*ChargeAuthorization, error) {
	payload := map[string]any{
		"email":     email,
		"amount":    amount,
		"currency":  currency,
		"reference": reference,
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}

	var data ChargeAuthorization
	if err := c.call(ctx, "initialize_charge", http.MethodPost, "/transaction/initialize", payload, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ChargeStatus is the gateway's view of a transaction.
type ChargeStatus struct {
	Reference string `json:"reference"`
	Status    string `json:"status"` // "success", "failed", "abandoned"
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Channel   string `json:"channel,omitempty"`
}

// VerifyTransaction fetches the authoritative status of a charge. Used to
// double-check a webhook's claim before money moves.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*ChargeStatus, error) {
	var data ChargeStatus
	if err := c.call(ctx, "verify_transaction", http.MethodGet, "/transaction/verify/"+reference, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// CreateTransferRecipient registers a seller's bank or mobile-money
// destination and returns the recipient code used for transfers.
// recipientType is "nuban" (bank) or "mobile_money".
func (c *Client) CreateTransferRecipient(ctx context.Context, recipientType, name, accountNumber, bankCode, currency string) (string, error) {
	payload := map[string]any{
		"type":           recipientType,
		"name":           name,
		"account_number": accountNumber,
		"bank_code":      bankCode,
		"currency":       currency,
	}

	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.call(ctx, "create_recipient", http.MethodPost, "/transferrecipient", payload, &data); err != nil {
		return "", err
	}
	return data.RecipientCode, nil
}

// TransferResult is the outcome of initiating a transfer.
type TransferResult struct {
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"` // "pending", "success", "otp"
}

// InitiateTransfer starts an outbound payout. amount is in minor units;
// reference is the caller's idempotency key for this attempt.
func (c *Client) InitiateTransfer(ctx context.Context, amount int64, recipientCode, reason, reference string) (*TransferResult, error) {
	payload := map[string]any{
		"source":    "balance",
		"amount":    amount,
		"recipient": recipientCode,
		"reason":    reason,
		"reference": reference,
	}

	var data TransferResult
	if err := c.call(ctx, "initiate_transfer", http.MethodPost, "/transfer", payload, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// RefundResult is the outcome of initiating a refund.
type RefundResult struct {
	RefundReference string `json:"refund_reference"`
	Status          string `json:"status"`
}

// InitiateRefund asks the gateway to return funds to the buyer's payment
// method. amount zero refunds the full charge.
func (c *Client) InitiateRefund(ctx context.Context, transactionReference string, amount int64, reason string) (*RefundResult, error) {
	payload := map[string]any{
		"transaction":   transactionReference,
		"merchant_note": reason,
	}
	if amount > 0 {
		payload["amount"] = amount
	}

	var data struct {
		Status string `json:"status"`
		ID     int64  `json:"id"`
	}
	if err := c.call(ctx, "initiate_refund", http.MethodPost, "/refund", payload, &data); err != nil {
		return nil, err
	}
	return &RefundResult{
		RefundReference: fmt.Sprintf("rf_%d", data.ID),
		Status:          data.Status,
	}, nil
}

// envelope is Paystack's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs an API request and decodes the data payload into out.
// Network errors and 5xx responses are retried; 4xx responses are not.
func (c *Client) call(ctx context.Context, operation, method, path string, payload any, out any) error {
	err := retry.Do(ctx, maxAttempts, retryDelay, func() error {
		return c.doOnce(ctx, method, path, payload, out)
	})
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
		c.logger.Warn("gateway request failed",
			"operation", operation, "path", path, "error", err)
		return err
	}
	metrics.GatewayRequestsTotal.WithLabelValues(operation, "ok").Inc()
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return retry.Permanent(err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return retry.Permanent(fmt.Errorf("malformed gateway response: %w", err))
	}

	if resp.StatusCode >= 400 || !env.Status {
		return retry.Permanent(fmt.Errorf("%w: %s (status %d)", ErrGatewayRejected, env.Message, resp.StatusCode))
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return retry.Permanent(fmt.Errorf("malformed gateway data: %w", err))
		}
	}
	return nil
}
