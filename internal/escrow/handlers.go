package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/holds", h.ListHolds)
	r.GET("/holds/:id", h.GetHold)
	r.POST("/holds/:id/release", h.ReleaseHold)
	r.POST("/transactions/:id/refund", h.RefundBuyer)
	r.GET("/sellers/:id/transactions", h.ListSellerTransactions)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListHolds handles GET /v1/transactions/:id/holds
func (h *Handler) ListHolds(c *gin.Context) {
	holds, err := h.service.ListHoldsByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"holds": holds, "count": len(holds)})
}

// GetHold handles GET /v1/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.service.GetHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrHoldNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow hold not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ReleaseHold handles POST /v1/holds/:id/release (operator action; the
// normal paths are buyer confirmation and the auto-release sweep).
func (h *Handler) ReleaseHold(c *gin.Context) {
	hold, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrHoldNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow hold not found",
			})
		case errors.Is(err, ErrInvalidStateTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "release_failed",
				"message": "Failed to release escrow",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// RefundRequest contains the parameters for refunding a buyer.
type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
	Amount int64  `json:"amount"` // minor units; zero refunds the full hold
}

// RefundBuyer handles POST /v1/transactions/:id/refund
func (h *Handler) RefundBuyer(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	var outcome *RefundOutcome
	var err error
	if req.Amount > 0 {
		var partial *PartialRefundOutcome
		partial, err = h.service.PartialRefund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"result": partial})
			return
		}
	} else {
		outcome, err = h.service.RefundBuyer(c.Request.Context(), c.Param("id"), req.Reason)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrHoldNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction or hold not found",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "refund amount must be less than the held amount",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "refund_failed",
				"message": "Failed to refund buyer",
			})
		}
		return
	}

	status := http.StatusOK
	if outcome.Outcome == OutcomeAlreadyReleased {
		// Funds already left escrow; a reversing payout is an operator action.
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"result": outcome})
}

// ListSellerTransactions handles GET /v1/sellers/:id/transactions
func (h *Handler) ListSellerTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txs, err := h.service.ListTransactionsBySeller(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}
