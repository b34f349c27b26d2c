// internal/service/settlement.go
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

// Settlement describes what Settle did for a completed payment.
type Settlement struct {
	Order              *models.Order
	OrderCreated       bool
	OrderChanged       bool
	Entitlement        *models.Entitlement
	EntitlementCreated bool
	Escalated          bool
}

// Settler converges the Order and Entitlement of a completed payment. The
// callback path, reconciliation and manual operations share it.
type Settler struct {
	orders       OrderStore
	entitlements Granter
	escalations  Escalator
	publisher    EventPublisher
	logger       *zap.Logger
}

func NewSettler(orders OrderStore, entitlements Granter, escalations Escalator, publisher EventPublisher, logger *zap.Logger) *Settler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Settler{
		orders:       orders,
		entitlements: entitlements,
		escalations:  escalations,
		publisher:    publisher,
		logger:       logger,
	}
}

// Settle finds or synthesizes the order for payment, links it and marks it
// paid, then grants the entitlement. With force the order is moved to paid
// from any state. Inconsistencies that need a human are escalated and
// reported in the Settlement, not returned as errors.
func (s *Settler) Settle(ctx context.Context, payment *models.Payment, force bool) (*Settlement, error) {
	if !payment.IsCompleted() {
		return nil, fmt.Errorf("payment %s is %s: %w", payment.ID, payment.Status, models.ErrPaymentNotCompleted)
	}

	result := &Settlement{}
	order, created, err := s.resolveOrder(ctx, payment)
	if err != nil {
		return nil, err
	}
	result.OrderCreated = created

	order, changed, err := updateOrder(ctx, s.orders, order.OrderNumber, func(o *models.Order) (bool, error) {
		linked, err := o.LinkPayment(payment)
		if err != nil {
			return false, err
		}
		var paid bool
		if force {
			paid, err = o.ForcePaid(payment)
		} else {
			paid, err = o.MarkPaid(payment)
		}
		return linked || paid, err
	})
	switch {
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrLinkedToOtherPayment),
		errors.Is(err, models.ErrOrderNumberMismatch):
		s.logger.Warn("completed payment cannot settle its order",
			zap.String("payment_id", payment.ID),
			zap.String("order_number", payment.OrderReference),
			zap.Error(err))
		s.escalations.OpenTicket(ctx, models.CategoryPaymentWithoutOrder, payment.ID, payment.OrderReference,
			fmt.Sprintf("completed payment could not mark its order paid: %v", err))
		result.Escalated = true
		return result, nil
	case err != nil:
		return nil, fmt.Errorf("failed to mark order %s paid: %w", payment.OrderReference, err)
	}
	result.Order = order
	result.OrderChanged = changed

	if changed {
		s.logger.Info("order marked paid",
			zap.String("order_number", order.OrderNumber),
			zap.String("payment_id", payment.ID),
			zap.Bool("forced", force))
		if err := s.publisher.Publish(ctx, messaging.Event{
			Type:        "order.paid",
			AggregateID: order.OrderNumber,
			Payload:     order,
		}); err != nil {
			s.logger.Warn("failed to publish order event", zap.String("order_number", order.OrderNumber), zap.Error(err))
		}
	}

	entitlement, granted, err := s.entitlements.Grant(ctx, order)
	if err != nil {
		s.logger.Error("paid order has no entitlement",
			zap.String("order_number", order.OrderNumber),
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		s.escalations.OpenTicket(ctx, models.CategoryPaidOrderWithoutEntitlement, payment.ID, order.OrderNumber,
			fmt.Sprintf("entitlement could not be granted: %v", err))
		result.Escalated = true
		return result, nil
	}
	result.Entitlement = entitlement
	result.EntitlementCreated = granted

	return result, nil
}

// resolveOrder looks the order up by payment reference, then by order number,
// and synthesizes it when neither exists.
func (s *Settler) resolveOrder(ctx context.Context, payment *models.Payment) (*models.Order, bool, error) {
	order, err := s.orders.FindByPaymentRef(ctx, payment.ID)
	if err == nil {
		return order, false, nil
	}
	if !isNotFound(err) {
		return nil, false, fmt.Errorf("failed to look up order by payment: %w", err)
	}

	order, err = s.orders.GetByNumber(ctx, payment.OrderReference)
	if err == nil {
		return order, false, nil
	}
	if !isNotFound(err) {
		return nil, false, fmt.Errorf("failed to look up order %s: %w", payment.OrderReference, err)
	}

	s.logger.Warn("order missing for completed payment, synthesizing",
		zap.String("payment_id", payment.ID),
		zap.String("order_number", payment.OrderReference),
		zap.String("amount", payment.Amount.String()))

	order = models.CreateStandalone(payment.OrderReference, payment.UserID, payment.PackageRef, payment.Amount, payment.Currency)
	if err := s.orders.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			order, err = s.orders.GetByNumber(ctx, payment.OrderReference)
			if err != nil {
				return nil, false, fmt.Errorf("failed to reload order %s: %w", payment.OrderReference, err)
			}
			return order, false, nil
		}
		return nil, false, fmt.Errorf("failed to synthesize order %s: %w", payment.OrderReference, err)
	}
	return order, true, nil
}
