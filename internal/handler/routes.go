// internal/handler/routes.go
package handler

import "github.com/gin-gonic/gin"

// RouteOptions carries the per-group guards. Nil limiters are skipped.
type RouteOptions struct {
	AdminToken   string
	PublicLimit  gin.HandlerFunc
	WebhookLimit gin.HandlerFunc
}

// RegisterRoutes mounts the /api/v1 surface on router.
func RegisterRoutes(router gin.IRouter, payments *PaymentHandler, webhooks *WebhookHandler, admin *AdminHandler, opts RouteOptions) {
	v1 := router.Group("/api/v1")
	{
		public := v1.Group("", guards(opts.PublicLimit)...)
		public.POST("/purchases", payments.CreatePurchase)
		public.GET("/payments/:id", payments.GetPayment)
		public.GET("/orders/:number", payments.GetOrder)

		// payping and stripe
		v1.POST("/webhooks/:provider", append(guards(opts.WebhookLimit), webhooks.Receive)...)

		ops := v1.Group("/admin", RequireAdmin(opts.AdminToken))
		{
			ops.POST("/reconcile", admin.Reconcile)
			ops.POST("/payments/:id/refund", admin.MarkRefunded)
			ops.GET("/payments/:id/callbacks", admin.Callbacks)
			ops.GET("/tickets", admin.ListTickets)
		}
	}
}

func guards(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
	var out []gin.HandlerFunc
	for _, h := range handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}
