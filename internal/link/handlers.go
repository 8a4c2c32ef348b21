package link

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lipalink/lipalink/internal/money"
)

// Handler provides HTTP endpoints for payment links.
type Handler struct {
	service *Service
}

// NewHandler creates a new link handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up link routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/links", h.CreateLink)
	r.GET("/links/:id", h.GetLink)
	r.POST("/links/:id/checkout", h.Checkout)
	r.POST("/links/:id/deactivate", h.Deactivate)
	r.GET("/sellers/:id/links", h.ListSellerLinks)
}

// CreateLinkRequest contains the parameters for publishing a link.
type CreateLinkRequest struct {
	SellerID    string `json:"sellerId" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Amount      string `json:"amount" binding:"required"` // decimal string, e.g. "1500.00"
	Currency    string `json:"currency"`
}

// CreateLink handles POST /v1/links
func (h *Handler) CreateLink(c *gin.Context) {
	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sellerId, title and amount are required",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal string",
		})
		return
	}

	l, err := h.service.CreateLink(c.Request.Context(), req.SellerID, req.Title, req.Description, amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create link",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"link": l})
}

// GetLink handles GET /v1/links/:id
func (h *Handler) GetLink(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment link not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": l})
}

// CheckoutRequest contains the buyer's details for a checkout.
type CheckoutRequest struct {
	Email string `json:"email" binding:"required,email"`
	Phone string `json:"phone"`
}

// Checkout handles POST /v1/links/:id/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "a valid buyer email is required",
		})
		return
	}

	result, err := h.service.Checkout(c.Request.Context(), c.Param("id"), req.Email, req.Phone)
	if err != nil {
		switch {
		case errors.Is(err, ErrLinkNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment link not found",
			})
		case errors.Is(err, ErrLinkNotActive):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "link_not_active",
				"message": "This payment link is no longer available",
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "checkout_failed",
				"message": "Failed to start checkout",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout": result})
}

// Deactivate handles POST /v1/links/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	l, err := h.service.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrLinkNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment link not found",
			})
		case errors.Is(err, ErrLinkNotActive):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "link_not_active",
				"message": "Only active links can be deactivated",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to deactivate link",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": l})
}

// ListSellerLinks handles GET /v1/sellers/:id/links
func (h *Handler) ListSellerLinks(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	links, err := h.service.ListBySeller(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "count": len(links)})
}
