package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lipalink/lipalink/internal/metrics"
)

const signatureHeader = "x-paystack-signature"

// Handler exposes the gateway webhook endpoint.
type Handler struct {
	receiver *Receiver
}

// NewHandler creates a webhook handler.
func NewHandler(receiver *Receiver) *Handler {
	return &Handler{receiver: receiver}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/paystack", h.HandlePaystack)
}

// HandlePaystack handles POST /v1/webhooks/paystack
func (h *Handler) HandlePaystack(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "failed to read body",
		})
		return
	}

	if !h.receiver.verifier.VerifyWebhookSignature(body, c.GetHeader(signatureHeader)) {
		metrics.WebhookEventsTotal.WithLabelValues("unverified", "rejected").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Signed but malformed. Ack so the gateway does not redeliver
		// a body we will never be able to parse.
		h.receiver.logger.Warn("malformed webhook body", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("malformed", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	kind := ParseEventKind(env.Event)
	var data eventData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			h.receiver.logger.Warn("malformed webhook data", "event", env.Event, "error", err)
			metrics.WebhookEventsTotal.WithLabelValues(string(kind), "ignored").Inc()
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
	}

	if err := h.receiver.Process(c.Request.Context(), kind, data); err != nil {
		h.receiver.logger.Error("webhook processing failed",
			"event", env.Event, "reference", data.Reference, "error", err)
		metrics.WebhookEventsTotal.WithLabelValues(string(kind), "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "webhook processing failed",
		})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(kind), "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
