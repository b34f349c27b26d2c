// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"payment-reconciliation/internal/app"
	"payment-reconciliation/internal/config"
	"payment-reconciliation/internal/handler"
	"payment-reconciliation/pkg/logger"
	"payment-reconciliation/pkg/middleware"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{Service: cfg.ServiceName, Environment: cfg.Environment, Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	application, err := app.New(startCtx, cfg, log, prometheus.DefaultRegisterer)
	cancelStart()
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}

	// Initialize handlers
	paymentHandler := handler.NewPaymentHandler(application.Purchases, log)
	webhookHandler := handler.NewWebhookHandler(application.Callbacks, log)
	adminHandler := handler.NewAdminHandler(application.Admin, log)
	if cfg.AdminToken == "" {
		log.Warn("admin token not set, admin API disabled")
	}

	router := setupRouter(application, paymentHandler, webhookHandler, adminHandler, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	sweepsDone := make(chan struct{})
	go func() {
		defer close(sweepsDone)
		application.Reconciler.Start(sweepCtx, cfg.Reconcile.Interval)
	}()

	go func() {
		log.Info("starting payment reconciliation service", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopSweeps()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	select {
	case <-sweepsDone:
	case <-ctx.Done():
		log.Warn("reconciliation did not stop before the shutdown deadline")
	}
	application.Close(ctx)

	log.Info("server exited")
}

func setupRouter(application *app.App, payments *handler.PaymentHandler, webhooks *handler.WebhookHandler, admin *handler.AdminHandler, log *zap.Logger) *gin.Engine {
	if !application.Config.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := application.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limits := application.Config.RateLimit
	handler.RegisterRoutes(router, payments, webhooks, admin, handler.RouteOptions{
		AdminToken:   application.Config.AdminToken,
		PublicLimit:  middleware.RateLimiter(limits.RPS, limits.Burst),
		WebhookLimit: middleware.RateLimiter(limits.WebhookRPS, limits.WebhookBurst),
	})

	return router
}
