// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-reconciliation/internal/service"
)

const maxWebhookBody = 1 << 20

type Callbacks interface {
	HandleDelivery(ctx context.Context, provider string, header http.Header, body []byte) (*service.CallbackResult, error)
}

type WebhookHandler struct {
	callbacks Callbacks
	logger    *zap.Logger
}

func NewWebhookHandler(callbacks Callbacks, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		callbacks: callbacks,
		logger:    logger,
	}
}

// Receive handles POST /api/v1/webhooks/:provider. The raw body is passed
// through untouched because signatures are computed over it.
func (h *WebhookHandler) Receive(c *gin.Context) {
	provider := c.Param("provider")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return
	}

	result, err := h.callbacks.HandleDelivery(c.Request.Context(), provider, c.Request.Header, body)
	if err != nil {
		status := statusFor(err)
		fields := []zap.Field{zap.String("provider", provider), zap.Int("status", status), zap.Error(err)}
		if status >= http.StatusInternalServerError {
			h.logger.Error("webhook not processed", fields...)
		} else {
			h.logger.Warn("webhook rejected", fields...)
		}
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
