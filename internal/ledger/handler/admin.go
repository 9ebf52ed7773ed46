package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/retention"
)

// deadLetterStore is the read interface for rejected-record review.
type deadLetterStore interface {
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*receipt.DeadLetterEntry, error)
}

// AdminHandler exposes the operational endpoints: dead letter review
// and on-demand retention sweeps. All routes require the admin role.
type AdminHandler struct {
	deadLetters deadLetterStore
	sweeper     *retention.Sweeper
	logger      *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(dls deadLetterStore, sweeper *retention.Sweeper, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{deadLetters: dls, sweeper: sweeper, logger: logger}
}

// Register mounts the admin routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("", RequireRole(RoleAdmin))
	{
		admin.GET("/deadletters", h.ListDeadLetters)
		admin.POST("/retention/sweep", h.Sweep)
		admin.PUT("/receipts/:id/legalhold", h.SetLegalHold)
	}
}

// ListDeadLetters handles GET /deadletters?tenant=&limit=.
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := h.deadLetters.ListDeadLetters(c.Request.Context(), c.Query("tenant"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries, "count": len(entries)})
}

// SetLegalHold handles PUT /receipts/:id/legalhold. The body carries
// the target flag so the call is idempotent.
func (h *AdminHandler) SetLegalHold(c *gin.Context) {
	var req struct {
		Hold *bool `json:"hold" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: `body must be {"hold": true|false}`})
		return
	}

	id := c.Param("id")
	if err := h.sweeper.ApplyLegalHold(c.Request.Context(), id, *req.Hold); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt_id": id, "legal_hold": *req.Hold})
}

// Sweep handles POST /retention/sweep — runs a retention pass now
// instead of waiting for the scheduled interval.
func (h *AdminHandler) Sweep(c *gin.Context) {
	if err := h.sweeper.Sweep(c.Request.Context()); err != nil {
		h.logger.Error("manual retention sweep", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": true})
}
