package delivery

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for dispatch proof and confirmation.
type Handler struct {
	service *Service
	// onConfirm is called after a buyer confirmation succeeds, so the
	// escrow engine can release immediately instead of waiting for the
	// auto-release sweep. Optional.
	onConfirm func(c *gin.Context, transactionID string)
}

// NewHandler creates a new delivery handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// OnConfirm registers a callback invoked after successful buyer confirmation.
func (h *Handler) OnConfirm(fn func(c *gin.Context, transactionID string)) *Handler {
	h.onConfirm = fn
	return h
}

// RegisterRoutes sets up delivery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/delivery", h.GetProof)
	r.POST("/transactions/:id/dispatch", h.MarkDispatched)
	r.POST("/transactions/:id/confirm", h.Confirm)
}

// DispatchRequest contains the parameters for recording dispatch proof.
type DispatchRequest struct {
	Courier     string `json:"courier" binding:"required"`
	TrackingRef string `json:"trackingRef" binding:"required"`
}

// MarkDispatched handles POST /v1/transactions/:id/dispatch
func (h *Handler) MarkDispatched(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "courier and trackingRef are required",
		})
		return
	}

	proof, err := h.service.MarkDispatched(c.Request.Context(), c.Param("id"), req.Courier, req.TrackingRef)
	if err != nil {
		if errors.Is(err, ErrAlreadyConfirmed) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_confirmed",
				"message": "Delivery already confirmed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "dispatch_failed",
			"message": "Failed to record dispatch proof",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"delivery": proof})
}

// Confirm handles POST /v1/transactions/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	transactionID := c.Param("id")

	proof, err := h.service.Confirm(c.Request.Context(), transactionID)
	if err != nil {
		if errors.Is(err, ErrProofNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No dispatch proof recorded for this transaction",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "confirm_failed",
			"message": "Failed to confirm delivery",
		})
		return
	}

	if h.onConfirm != nil {
		h.onConfirm(c, transactionID)
	}

	c.JSON(http.StatusOK, gin.H{"delivery": proof})
}

// GetProof handles GET /v1/transactions/:id/delivery
func (h *Handler) GetProof(c *gin.Context) {
	proof, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrProofNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No dispatch proof recorded for this transaction",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"delivery": proof})
}
