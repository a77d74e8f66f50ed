package job

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixstudio/genledger/internal/ledger"
	"github.com/pixstudio/genledger/internal/logging"
	"github.com/pixstudio/genledger/internal/pricing"
	"github.com/pixstudio/genledger/internal/ratelimit"
)

// Handlers exposes job operations over HTTP.
type Handlers struct {
	manager  *Manager
	cooldown *ratelimit.Cooldown
}

func NewHandlers(manager *Manager, cooldown *ratelimit.Cooldown) *Handlers {
	return &Handlers{manager: manager, cooldown: cooldown}
}

func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/resolve", h.ResolveJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.GET("/users/:id/jobs", h.ListUserJobs)
}

type createJobRequest struct {
	UserID      int64             `json:"userId" binding:"required,gt=0"`
	ModelKey    string            `json:"modelKey" binding:"required"`
	Prompt      string            `json:"prompt" binding:"required"`
	Options     map[string]string `json:"options"`
	Outputs     int               `json:"outputs"`
	DiscountPct int               `json:"discountPct"`
}

func (h *Handlers) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if ok, wait := h.cooldown.Allow(req.UserID); !ok {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "cooldown_active",
			"retry_after": int(wait.Round(time.Second).Seconds()),
		})
		return
	}

	job, err := h.manager.Request(c.Request.Context(), RequestSpec{
		UserID:      req.UserID,
		ModelKey:    req.ModelKey,
		Prompt:      req.Prompt,
		Options:     req.Options,
		Outputs:     req.Outputs,
		DiscountPct: req.DiscountPct,
	})
	if err != nil {
		// Admission failures never started any work, so give the cooldown back.
		switch {
		case errors.Is(err, ErrTooManyJobs):
			h.cooldown.Reset(req.UserID)
			c.JSON(http.StatusConflict, gin.H{"error": "too_many_jobs"})
		case errors.Is(err, ErrDailyCapExceeded):
			h.cooldown.Reset(req.UserID)
			c.JSON(http.StatusConflict, gin.H{"error": "daily_cap_exceeded"})
		case errors.Is(err, pricing.ErrTooManyOutputs):
			h.cooldown.Reset(req.UserID)
			c.JSON(http.StatusBadRequest, gin.H{"error": "too_many_outputs"})
		case errors.Is(err, pricing.ErrModelNotPriced):
			h.cooldown.Reset(req.UserID)
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_model"})
		case errors.Is(err, ledger.ErrInsufficientBalance):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_credits", "job": job})
		default:
			logging.L(c.Request.Context()).Error("failed to create job", "error", err)
			if job != nil {
				// The job exists and the sweeper will finish driving it.
				c.JSON(http.StatusAccepted, job)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		}
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handlers) ResolveJob(c *gin.Context) {
	job, err := h.manager.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		logging.L(c.Request.Context()).Warn("resolve failed", "job_id", c.Param("id"), "error", err)
		if job != nil {
			// Transient provider trouble; report current state.
			c.JSON(http.StatusOK, job)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handlers) CancelJob(c *gin.Context) {
	job, err := h.manager.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "job already settled"})
		default:
			logging.L(c.Request.Context()).Error("cancel failed", "job_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		}
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handlers) ListUserJobs(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := h.manager.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "jobs": jobs})
}
