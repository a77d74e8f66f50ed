package payments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pixstudio/genledger/internal/logging"
)

// Handlers exposes products and payment reconciliation over HTTP.
type Handlers struct {
	service *Service
	stripe  *StripeWebhook
}

func NewHandlers(service *Service, stripe *StripeWebhook) *Handlers {
	return &Handlers{service: service, stripe: stripe}
}

func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.GET("/products", h.ListProducts)
	r.GET("/products/:id", h.GetProduct)
}

// RegisterWebhookRoutes registers provider callback endpoints. Stripe
// deliveries carry their own signature, so the route sits outside the
// authenticated API group.
func (h *Handlers) RegisterWebhookRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.stripe.Handle)
}

// RegisterAdminRoutes registers the generic event intake, which has no
// provider signature and relies on the admin middleware instead.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/payment-events", h.HandleGenericEvent)
}

func (h *Handlers) ListProducts(c *gin.Context) {
	products, err := h.service.Products(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list products", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list products"})
		return
	}
	if products == nil {
		products = []*Product{}
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handlers) GetProduct(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}
	product, err := h.service.Product(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get product"})
		return
	}
	c.JSON(http.StatusOK, product)
}

type genericEventRequest struct {
	ProviderEventID string `json:"providerEventId" binding:"required"`
	Provider        string `json:"provider" binding:"required"`
	UserID          int64  `json:"userId" binding:"required,gt=0"`
	Credits         int64  `json:"credits" binding:"required,gt=0"`
	AmountCents     int64  `json:"amountCents"`
	Currency        string `json:"currency"`
	Status          string `json:"status" binding:"required"`
}

// HandleGenericEvent accepts payment events from providers without a
// dedicated verified webhook, e.g. an upstream bot forwarding its own
// payment callbacks.
func (h *Handlers) HandleGenericEvent(c *gin.Context) {
	var req genericEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.service.HandleEvent(c.Request.Context(), &Event{
		ProviderEventID: req.ProviderEventID,
		Provider:        req.Provider,
		UserID:          req.UserID,
		Credits:         req.Credits,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		Status:          req.Status,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
