package pricing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixstudio/genledger/internal/logging"
)

// Handlers exposes price lookup and quoting over HTTP.
type Handlers struct {
	service *Service
	store   Store
}

func NewHandlers(service *Service, store Store) *Handlers {
	return &Handlers{service: service, store: store}
}

func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.GET("/models/:model/prices", h.ListPrices)
	r.POST("/quote", h.Quote)
}

// RegisterAdminRoutes registers price management behind the admin middleware.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.PUT("/prices", h.SetPrice)
}

func (h *Handlers) ListPrices(c *gin.Context) {
	modelKey := c.Param("model")
	prices, err := h.store.ListPrices(c.Request.Context(), modelKey)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list prices", "model", modelKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list prices"})
		return
	}
	if prices == nil {
		prices = []Price{}
	}
	c.JSON(http.StatusOK, gin.H{"modelKey": modelKey, "prices": prices})
}

type quoteRequest struct {
	ModelKey    string            `json:"modelKey" binding:"required"`
	Options     map[string]string `json:"options"`
	Outputs     int               `json:"outputs"`
	DiscountPct int               `json:"discountPct"`
}

// Quote prices a request without creating a job.
func (h *Handlers) Quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	breakdown, err := h.service.Resolve(c.Request.Context(), req.ModelKey, req.Options, req.Outputs, req.DiscountPct)
	if err != nil {
		switch {
		case errors.Is(err, ErrModelNotPriced):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_model"})
		case errors.Is(err, ErrTooManyOutputs):
			c.JSON(http.StatusBadRequest, gin.H{"error": "too_many_outputs"})
		default:
			logging.L(c.Request.Context()).Error("failed to quote", "model", req.ModelKey, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to quote"})
		}
		return
	}
	c.JSON(http.StatusOK, breakdown)
}

type setPriceRequest struct {
	ModelKey  string `json:"modelKey" binding:"required"`
	OptionKey string `json:"optionKey" binding:"required"`
	Credits   int64  `json:"credits" binding:"gte=0"`
	Active    bool   `json:"active"`
}

func (h *Handlers) SetPrice(c *gin.Context) {
	var req setPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := Price{ModelKey: req.ModelKey, OptionKey: req.OptionKey, Credits: req.Credits, Active: req.Active}
	if err := h.store.SetPrice(c.Request.Context(), p); err != nil {
		logging.L(c.Request.Context()).Error("failed to set price", "model", req.ModelKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set price"})
		return
	}
	c.JSON(http.StatusOK, p)
}
