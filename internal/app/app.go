// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payment-reconciliation/internal/audit"
	"payment-reconciliation/internal/config"
	"payment-reconciliation/internal/gateway"
	"payment-reconciliation/internal/metrics"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/repository"
	"payment-reconciliation/internal/service"
	"payment-reconciliation/internal/webhook"
	"payment-reconciliation/pkg/database"
	"payment-reconciliation/pkg/messaging"
	"payment-reconciliation/pkg/redis"
)

const reconcileLockKey = "lock:reconciliation"

// App holds the wired services shared by the server and the CLI.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	DB    *database.PostgresDB
	Redis *redis.Client

	Purchases   *service.PurchaseService
	Callbacks   *service.CallbackService
	Escalations *service.EscalationService
	Reconciler  *service.ReconciliationEngine
	Admin       *service.AdminService

	closers []func(context.Context) error
}

// New connects to every configured backend and builds the services.
// Postgres is required; Redis, Mongo and RabbitMQ degrade to in-process
// fallbacks when they are missing or unreachable.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Logger: log, Metrics: metrics.NewMetrics(reg)}

	db, err := database.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	applied, err := database.Migrate(ctx, db.DB, models.Migrations)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	if applied > 0 {
		log.Info("database migrated", zap.Int("applied", applied))
	}

	var (
		replay service.ReplayCache
		lock   service.Locker
	)
	if cfg.RedisURL != "" {
		client := redis.NewRedisClient(cfg.RedisURL)
		if err := client.Ping(ctx); err != nil {
			log.Warn("redis unavailable, replay cache and distributed lock disabled", zap.Error(err))
			client.Close()
		} else {
			a.Redis = client
			replay = client
			lock = redis.NewLock(client, reconcileLockKey, cfg.Reconcile.LockTTL)
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
	}

	var (
		recorder audit.Recorder = audit.NewLogRecorder(log)
		history  service.CallbackHistory
	)
	if cfg.MongoURI != "" {
		mongoLog, disconnect, err := audit.Connect(ctx, cfg.MongoURI, cfg.MongoDB, log)
		if err != nil {
			log.Warn("mongo unavailable, callbacks are logged only", zap.Error(err))
		} else {
			recorder = mongoLog
			history = mongoLog
			a.closers = append(a.closers, disconnect)
		}
	}

	var publisher service.EventPublisher
	if cfg.RabbitMQ.URL != "" {
		client := messaging.NewRabbitMQClient(messaging.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		}, log)
		if err := client.Connect(); err != nil {
			log.Warn("rabbitmq unavailable, domain events disabled", zap.Error(err))
		} else {
			publisher = messaging.NewPublisher(client, cfg.ServiceName)
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
	}

	gateways, primary, err := buildGateways(cfg, log, a.Metrics)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	stores := service.Stores{
		Payments:     repository.NewPaymentRepository(db.DB),
		Orders:       repository.NewOrderRepository(db.DB),
		Purchases:    repository.NewPurchaseRepository(db.DB),
		Packages:     repository.NewPackageRepository(db.DB),
		Entitlements: repository.NewEntitlementRepository(db.DB),
		Tickets:      repository.NewTicketRepository(db.DB),
		Deliverables: repository.NewDeliverableRepository(db.DB),
	}

	a.Escalations = service.NewEscalationService(stores.Tickets, publisher, a.Metrics, log)
	entitlements := service.NewEntitlementService(stores.Entitlements, stores.Packages, publisher, log)
	settler := service.NewSettler(stores.Orders, entitlements, a.Escalations, publisher, log)

	a.Callbacks = service.NewCallbackService(service.CallbackDeps{
		Payments:    stores.Payments,
		Orders:      stores.Orders,
		Gateways:    gateways,
		Parsers:     buildParsers(cfg),
		Settler:     settler,
		Escalations: a.Escalations,
		Replay:      replay,
		Audit:       recorder,
		Publisher:   publisher,
		Observer:    a.Metrics,
	}, log)

	a.Reconciler = service.NewReconciliationEngine(stores, settler, entitlements, a.Escalations, a.Metrics,
		service.ReconcilerConfig{
			Window:      time.Duration(cfg.Reconcile.WindowDays) * 24 * time.Hour,
			QuietPeriod: cfg.Reconcile.QuietPeriod,
			Lock:        lock,
		}, log)

	a.Purchases = service.NewPurchaseService(stores, primary, publisher, service.PurchaseConfig{
		CallbackURL: cfg.Gateway.CallbackURL,
		Currency:    cfg.Currency,
		Sandbox:     cfg.Gateway.Sandbox,
		Retry: gateway.RetryPolicy{
			Attempts:  cfg.Gateway.RetryAttempts,
			BaseDelay: cfg.Gateway.RetryBaseDelay,
		},
	}, log)

	a.Admin = service.NewAdminService(stores.Payments, a.Escalations, a.Reconciler, history, publisher, log)

	return a, nil
}

// Ready reports whether the required backends answer.
func (a *App) Ready(ctx context.Context) error {
	if err := a.DB.Ready(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("failed to close backend", zap.Error(err))
		}
	}
	a.closers = nil
}

// buildGateways returns every configured provider, instrumented, plus the one
// new purchases go through.
func buildGateways(cfg *config.Config, log *zap.Logger, rec gateway.Recorder) ([]gateway.Gateway, gateway.Gateway, error) {
	limits := gateway.Limits{
		MinAmount: decimal.NewFromInt(cfg.Gateway.MinAmount),
		Sandbox:   cfg.Gateway.Sandbox,
	}

	var gateways []gateway.Gateway
	if cfg.Gateway.Token != "" || cfg.Gateway.Provider == gateway.ProviderPayPing {
		gateways = append(gateways, gateway.WithRecorder(gateway.NewPayPingClient(gateway.PayPingConfig{
			BaseURL:          cfg.Gateway.BaseURL,
			Token:            cfg.Gateway.Token,
			Timeout:          cfg.Gateway.Timeout,
			AmountMultiplier: cfg.Gateway.AmountMultiplier,
			Limits:           limits,
		}, log), rec))
	}
	if cfg.Stripe.SecretKey != "" || cfg.Gateway.Provider == gateway.ProviderStripe {
		gateways = append(gateways, gateway.WithRecorder(gateway.NewStripeClient(gateway.StripeConfig{
			SecretKey: cfg.Stripe.SecretKey,
			BaseURL:   cfg.Stripe.BaseURL,
			Timeout:   cfg.Gateway.Timeout,
			Limits:    gateway.Limits{Sandbox: cfg.Gateway.Sandbox},
		}, log), rec))
	}

	for _, g := range gateways {
		if g.Name() == cfg.Gateway.Provider {
			return gateways, g, nil
		}
	}
	return nil, nil, fmt.Errorf("gateway provider %q is not configured", cfg.Gateway.Provider)
}

func buildParsers(cfg *config.Config) []webhook.Parser {
	parsers := []webhook.Parser{webhook.NewPayPingParser(cfg.Gateway.WebhookSecret)}
	if cfg.Stripe.WebhookSecret != "" {
		parsers = append(parsers, webhook.NewStripeParser(cfg.Stripe.WebhookSecret))
	}
	return parsers
}
