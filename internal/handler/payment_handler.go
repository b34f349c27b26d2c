// internal/handler/payment_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/service"
)

type Purchases interface {
	StartPurchase(ctx context.Context, req service.PurchaseRequest) (*service.PurchaseResponse, error)
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetOrder(ctx context.Context, orderNumber string) (*models.Order, error)
}

type PaymentHandler struct {
	service Purchases
	logger  *zap.Logger
}

func NewPaymentHandler(service Purchases, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service: service,
		logger:  logger,
	}
}

// CreatePurchase handles POST /api/v1/purchases
func (h *PaymentHandler) CreatePurchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.service.StartPurchase(c.Request.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to start purchase", zap.String("user_id", req.UserID), zap.Error(err))
		}
		message := err.Error()
		if errors.Is(err, service.ErrPurchaseFailed) {
			message = service.ErrPurchaseFailed.Error()
		} else if status == http.StatusInternalServerError {
			message = "Failed to start purchase"
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetPayment handles GET /api/v1/payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	payment, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
			return
		}
		h.logger.Error("failed to load payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// GetOrder handles GET /api/v1/orders/:number
func (h *PaymentHandler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("number"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		h.logger.Error("failed to load order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}
