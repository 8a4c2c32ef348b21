package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for payouts and payout settings.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/:id", h.GetPayout)
	r.POST("/payouts/:id/retry", h.RetryPayout)
	r.GET("/sellers/:id/payouts", h.ListSellerPayouts)
	r.GET("/sellers/:id/payout-settings", h.GetSettings)
	r.PUT("/sellers/:id/payout-settings", h.UpsertSettings)
}

// GetPayout handles GET /v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	payout, err := h.service.GetPayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": payout})
}

// RetryPayout handles POST /v1/payouts/:id/retry (operator action).
func (h *Handler) RetryPayout(c *gin.Context) {
	outcome, err := h.service.RetryFailedPayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrPayoutNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout not found",
			})
		case errors.Is(err, ErrNotRetryable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_retryable",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "retry_failed",
				"message": "Failed to retry payout",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": outcome})
}

// ListSellerPayouts handles GET /v1/sellers/:id/payouts
func (h *Handler) ListSellerPayouts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	payouts, err := h.service.ListPayoutsBySeller(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// GetSettings handles GET /v1/sellers/:id/payout-settings
func (h *Handler) GetSettings(c *gin.Context) {
	settings, err := h.service.GetSettings(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSettingsNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payout settings on file",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpsertSettings handles PUT /v1/sellers/:id/payout-settings
func (h *Handler) UpsertSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "recipientType, accountName, accountNumber, and bankCode are required",
		})
		return
	}

	settings, err := h.service.UpsertSettings(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "settings_failed",
			"message": "Failed to register payout destination",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}
