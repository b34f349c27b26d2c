// internal/service/entitlement_service.go
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/repository"
	"payment-reconciliation/pkg/messaging"
)

// Granter hands out the subscription a paid order bought.
type Granter interface {
	Grant(ctx context.Context, order *models.Order) (*models.Entitlement, bool, error)
}

type EntitlementService struct {
	entitlements EntitlementStore
	packages     PackageStore
	publisher    EventPublisher
	logger       *zap.Logger
}

func NewEntitlementService(entitlements EntitlementStore, packages PackageStore, publisher EventPublisher, logger *zap.Logger) *EntitlementService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &EntitlementService{
		entitlements: entitlements,
		packages:     packages,
		publisher:    publisher,
		logger:       logger,
	}
}

// Grant creates the entitlement for a paid order at most once, keyed by the
// order number. It reports whether a new entitlement was created.
func (s *EntitlementService) Grant(ctx context.Context, order *models.Order) (*models.Entitlement, bool, error) {
	if !order.IsPaid() {
		return nil, false, fmt.Errorf("order %s is %s: %w", order.OrderNumber, order.Status, ErrOrderNotPaid)
	}

	existing, err := s.entitlements.GetByOrderNumber(ctx, order.OrderNumber)
	if err == nil {
		return existing, false, nil
	}
	if !isNotFound(err) {
		return nil, false, fmt.Errorf("failed to load entitlement: %w", err)
	}

	pkg, err := s.resolvePackage(ctx, order)
	if err != nil {
		return nil, false, err
	}

	e := models.NewEntitlement(order, pkg)
	if err := s.entitlements.Create(ctx, e); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			existing, err := s.entitlements.GetByOrderNumber(ctx, order.OrderNumber)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("failed to create entitlement: %w", err)
	}

	s.logger.Info("entitlement granted",
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.Int64("package_id", pkg.ID),
		zap.Time("ends_at", e.EndsAt))

	if err := s.publisher.Publish(ctx, messaging.Event{
		Type:        "entitlement.granted",
		AggregateID: order.OrderNumber,
		Payload:     e,
	}); err != nil {
		s.logger.Warn("failed to publish entitlement event", zap.String("order_number", order.OrderNumber), zap.Error(err))
	}

	return e, true, nil
}

// resolvePackage never guesses: the order must name a package that exists.
func (s *EntitlementService) resolvePackage(ctx context.Context, order *models.Order) (*models.ServicePackage, error) {
	if order.PackageRef == nil {
		return nil, fmt.Errorf("order %s has no package: %w", order.OrderNumber, ErrPackageUnresolvable)
	}

	pkg, err := s.packages.GetByID(ctx, *order.PackageRef)
	if isNotFound(err) {
		return nil, fmt.Errorf("package %d for order %s: %w", *order.PackageRef, order.OrderNumber, ErrPackageUnresolvable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load package: %w", err)
	}
	return pkg, nil
}
