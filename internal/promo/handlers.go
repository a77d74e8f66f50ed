package promo

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixstudio/genledger/internal/logging"
)

// Handlers exposes code redemption and administration over HTTP.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.POST("/codes/apply", h.ApplyCode)
	r.POST("/users/:id/referral-code", h.EnsureReferralCode)
}

func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/codes/batch", h.CreateBatch)
	r.GET("/codes/:code", h.GetCode)
	r.DELETE("/codes/:code", h.Deactivate)
}

type applyCodeRequest struct {
	UserID int64  `json:"userId" binding:"required,gt=0"`
	Code   string `json:"code" binding:"required"`
}

func (h *Handlers) ApplyCode(c *gin.Context) {
	var req applyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.ApplyCode(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, ErrCodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "code_not_found"})
		case errors.Is(err, ErrCodeExpired):
			c.JSON(http.StatusGone, gin.H{"error": "code_expired"})
		case errors.Is(err, ErrCodeExhausted):
			c.JSON(http.StatusGone, gin.H{"error": "code_exhausted"})
		case errors.Is(err, ErrAlreadyApplied):
			c.JSON(http.StatusConflict, gin.H{"error": "already_applied"})
		case errors.Is(err, ErrOwnCode):
			c.JSON(http.StatusConflict, gin.H{"error": "own_code"})
		default:
			logging.L(c.Request.Context()).Error("failed to apply code", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply code"})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

type referralCodeRequest struct {
	RedeemerBonus int64 `json:"redeemerBonus" binding:"required,gt=0"`
	OwnerBonus    int64 `json:"ownerBonus" binding:"gte=0"`
}

func (h *Handlers) EnsureReferralCode(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req referralCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	code, err := h.service.EnsureReferralCode(c.Request.Context(), userID, req.RedeemerBonus, req.OwnerBonus)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to ensure referral code", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create referral code"})
		return
	}
	c.JSON(http.StatusOK, code)
}

type createBatchRequest struct {
	Count     int        `json:"count" binding:"required,gt=0,lte=1000"`
	Bonus     int64      `json:"bonus" binding:"required,gt=0"`
	MaxUses   int        `json:"maxUses" binding:"gte=0"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handlers) CreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	codes, err := h.service.CreateBatch(c.Request.Context(), req.Count, req.Bonus, req.MaxUses, req.ExpiresAt)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create code batch", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create batch", "created": codes})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"codes": codes})
}

func (h *Handlers) GetCode(c *gin.Context) {
	code, err := h.service.GetCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "code not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get code"})
		return
	}
	c.JSON(http.StatusOK, code)
}

func (h *Handlers) Deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("code")); err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "code not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return userID, true
}
