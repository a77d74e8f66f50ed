package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pixstudio/genledger/internal/logging"
)

// Handlers exposes the ledger over HTTP.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/ledger", h.GetHistory)
	r.POST("/users/:id/signup-bonus", h.GrantSignupBonus)
	r.GET("/users/:id/audit", h.Audit)
}

// RegisterAdminRoutes registers routes that require the admin middleware.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/users/:id/adjust", h.Adjust)
}

func (h *Handlers) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	balance, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get balance", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "balance": balance})
}

func (h *Handlers) GetHistory(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get ledger history", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get history"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "entries": entries})
}

type signupBonusRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func (h *Handlers) GrantSignupBonus(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req signupBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	granted, err := h.service.GrantSignupBonus(c.Request.Context(), userID, req.Amount)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to grant signup bonus", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to grant bonus"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "granted": granted})
}

type adjustRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Note   string `json:"note"`
}

func (h *Handlers) Adjust(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := h.service.Adjust(c.Request.Context(), userID, req.Amount, req.Note)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient balance"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to adjust balance", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to adjust balance"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Audit compares the reconciled balance against the sum of entries.
func (h *Handlers) Audit(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	balance, err := h.service.Balance(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balance"})
		return
	}
	sum, err := h.service.Sum(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sum entries"})
		return
	}
	if balance != sum {
		logging.L(ctx).Error("balance diverged from entry sum", "user_id", userID, "balance", balance, "sum", sum)
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":     userID,
		"balance":    balance,
		"entrySum":   sum,
		"consistent": balance == sum,
	})
}

func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return userID, true
}
