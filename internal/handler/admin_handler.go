// internal/handler/admin_handler.go
package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-reconciliation/internal/audit"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/service"
)

const AdminTokenHeader = "X-Admin-Token"

type Admin interface {
	MarkRefunded(ctx context.Context, paymentID, operator, reason string) (*models.Payment, error)
	ListTickets(ctx context.Context, status models.TicketStatus, limit int) ([]*models.Ticket, error)
	Reconcile(ctx context.Context, opts service.ReconcileOptions) (*models.ReconciliationReport, error)
	Callbacks(ctx context.Context, paymentID string) ([]audit.Entry, error)
}

type AdminHandler struct {
	admin  Admin
	logger *zap.Logger
}

func NewAdminHandler(admin Admin, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		logger: logger,
	}
}

// RequireAdmin rejects requests without the configured admin token. An empty
// token disables the admin API entirely.
func RequireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

type reconcileRequest struct {
	SinceDays int      `json:"since_days"`
	Sweeps    []string `json:"sweeps"`
}

// Reconcile handles POST /api/v1/admin/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.SinceDays < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since_days must not be negative"})
		return
	}

	opts := service.ReconcileOptions{
		Since:   time.Duration(req.SinceDays) * 24 * time.Hour,
		Trigger: service.TriggerManual,
	}
	for _, s := range req.Sweeps {
		opts.Sweeps = append(opts.Sweeps, models.Sweep(s))
	}

	report, err := h.admin.Reconcile(c.Request.Context(), opts)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("manual reconciliation failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report, "totals": report.Totals()})
}

type refundRequest struct {
	Operator string `json:"operator" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// MarkRefunded handles POST /api/v1/admin/payments/:id/refund
func (h *AdminHandler) MarkRefunded(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.admin.MarkRefunded(c.Request.Context(), c.Param("id"), req.Operator, req.Reason)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to mark payment refunded", zap.String("payment_id", c.Param("id")), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListTickets handles GET /api/v1/admin/tickets?status=open&limit=50
func (h *AdminHandler) ListTickets(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}

	tickets, err := h.admin.ListTickets(c.Request.Context(), models.TicketStatus(c.Query("status")), limit)
	if err != nil {
		h.logger.Error("failed to list tickets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tickets"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

// Callbacks handles GET /api/v1/admin/payments/:id/callbacks
func (h *AdminHandler) Callbacks(c *gin.Context) {
	entries, err := h.admin.Callbacks(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to load callback log", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"callbacks": entries})
}
