// internal/service/purchase_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payment-reconciliation/internal/gateway"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/pkg/messaging"
)

type PurchaseRequest struct {
	UserID    string           `json:"user_id" binding:"required"`
	PackageID int64            `json:"package_id" binding:"required"`
	Payer     models.PayerInfo `json:"payer"`
}

type PurchaseResponse struct {
	PaymentID   string `json:"payment_id"`
	OrderNumber string `json:"order_number"`
	IntentID    string `json:"intent_id"`
	RedirectURL string `json:"redirect_url"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

type PurchaseConfig struct {
	CallbackURL string
	Currency    string
	Sandbox     bool
	Retry       gateway.RetryPolicy
}

// PurchaseService starts payments and serves their current state.
type PurchaseService struct {
	payments  PaymentStore
	orders    OrderStore
	purchases PurchaseStore
	packages  PackageStore
	gateway   gateway.Gateway
	publisher EventPublisher
	cfg       PurchaseConfig
	logger    *zap.Logger
}

func NewPurchaseService(stores Stores, gw gateway.Gateway, publisher EventPublisher, cfg PurchaseConfig, logger *zap.Logger) *PurchaseService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "IRR"
	}
	return &PurchaseService{
		payments:  stores.Payments,
		orders:    stores.Orders,
		purchases: stores.Purchases,
		packages:  stores.Packages,
		gateway:   gw,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// StartPurchase persists a pending Payment and Order together, then asks the
// gateway for an intent. When the gateway cannot start the payment both
// records are closed and ErrPurchaseFailed is returned.
func (s *PurchaseService) StartPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResponse, error) {
	if req.UserID == "" || req.PackageID <= 0 {
		return nil, fmt.Errorf("%w: user_id and package_id are required", ErrInvalidRequest)
	}

	pkg, err := s.packages.GetByID(ctx, req.PackageID)
	if isNotFound(err) {
		return nil, fmt.Errorf("package %d: %w", req.PackageID, ErrPackageUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load package: %w", err)
	}
	if !pkg.IsActive {
		return nil, fmt.Errorf("package %d is inactive: %w", pkg.ID, ErrPackageUnavailable)
	}

	currency := pkg.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	orderNumber := models.OrderNumberFor(pkg.ID, time.Now())
	payment := models.NewPayment(orderNumber, req.UserID, pkg.Price, currency, req.Payer)
	payment.PackageRef = &pkg.ID
	payment.Provider = s.gateway.Name()
	payment.Description = fmt.Sprintf("Purchase of %s", pkg.Name)
	payment.IsTest = s.cfg.Sandbox
	order := models.CreateForPayment(payment)

	if err := s.purchases.CreatePaymentAndOrder(ctx, payment, order); err != nil {
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}

	log := s.logger.With(
		zap.String("payment_id", payment.ID),
		zap.String("order_number", orderNumber),
		zap.String("provider", payment.Provider))
	log.Info("purchase created",
		zap.String("user_id", req.UserID),
		zap.Int64("package_id", pkg.ID),
		zap.String("amount", payment.Amount.String()))

	intent, err := gateway.Retry(ctx, s.cfg.Retry, func(ctx context.Context) (*gateway.Intent, error) {
		return s.gateway.CreateIntent(ctx, gateway.IntentRequest{
			Amount:        payment.Amount,
			Currency:      currency,
			Description:   payment.Description,
			CallbackURL:   s.cfg.CallbackURL,
			PayerIdentity: req.Payer.Identity(),
			PayerName:     req.Payer.Name,
			ClientRefID:   orderNumber,
		})
	})
	if err != nil {
		log.Error("gateway could not create intent", zap.Error(err))
		s.abandon(ctx, payment, err.Error(), log)
		return nil, fmt.Errorf("%w: %v", ErrPurchaseFailed, err)
	}

	if _, _, err := updatePayment(ctx, s.payments, payment.ID, func(p *models.Payment) (bool, error) {
		return p.AttachIntent(s.gateway.Name(), intent.ID)
	}); err != nil {
		// The callback still finds the payment through the client reference.
		log.Error("failed to attach intent", zap.String("intent_id", intent.ID), zap.Error(err))
	}

	if err := s.publisher.Publish(ctx, messaging.Event{
		Type:        "payment.started",
		AggregateID: payment.ID,
		Payload:     payment,
	}); err != nil {
		log.Warn("failed to publish payment event", zap.Error(err))
	}

	return &PurchaseResponse{
		PaymentID:   payment.ID,
		OrderNumber: orderNumber,
		IntentID:    intent.ID,
		RedirectURL: intent.RedirectURL,
		Amount:      payment.Amount.String(),
		Currency:    currency,
	}, nil
}

func (s *PurchaseService) abandon(ctx context.Context, payment *models.Payment, reason string, log *zap.Logger) {
	if _, _, err := updatePayment(ctx, s.payments, payment.ID, func(p *models.Payment) (bool, error) {
		return p.MarkFailed(reason)
	}); err != nil {
		log.Error("failed to mark payment failed", zap.Error(err))
	}
	if _, _, err := updateOrder(ctx, s.orders, payment.OrderReference, func(o *models.Order) (bool, error) {
		return o.MarkCancelled(reason)
	}); err != nil {
		log.Error("failed to cancel order", zap.Error(err))
	}
}

func (s *PurchaseService) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	payment, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, notFound("payment", id, err)
	}
	return payment, nil
}

func (s *PurchaseService) GetOrder(ctx context.Context, orderNumber string) (*models.Order, error) {
	order, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, notFound("order", orderNumber, err)
	}
	return order, nil
}
