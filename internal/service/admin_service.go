// internal/service/admin_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"payment-reconciliation/internal/audit"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/pkg/messaging"
)

// CallbackHistory is the read side of the callback audit log.
type CallbackHistory interface {
	ForPayment(ctx context.Context, paymentID string) ([]audit.Entry, error)
}

// AdminService holds the operator-only operations. MarkRefunded is the one
// place in the module that may move a payment to refunded.
type AdminService struct {
	payments   PaymentStore
	tickets    *EscalationService
	reconciler *ReconciliationEngine
	history    CallbackHistory
	publisher  EventPublisher
	logger     *zap.Logger
}

func NewAdminService(payments PaymentStore, tickets *EscalationService, reconciler *ReconciliationEngine, history CallbackHistory, publisher EventPublisher, logger *zap.Logger) *AdminService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &AdminService{
		payments:   payments,
		tickets:    tickets,
		reconciler: reconciler,
		history:    history,
		publisher:  publisher,
		logger:     logger,
	}
}

// MarkRefunded records a refund an operator has already made with the
// gateway. The order keeps its paid status and entitlement; that divergence
// is queued as a ticket for whoever revokes access.
func (s *AdminService) MarkRefunded(ctx context.Context, paymentID, operator, reason string) (*models.Payment, error) {
	operator = strings.TrimSpace(operator)
	reason = strings.TrimSpace(reason)
	if operator == "" || reason == "" {
		return nil, fmt.Errorf("%w: operator and reason are required", ErrInvalidRequest)
	}

	payment, changed, err := updatePayment(ctx, s.payments, paymentID, func(p *models.Payment) (bool, error) {
		return p.MarkRefunded(operator, reason)
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
		return nil, notFound("payment", paymentID, err)
	}

	if changed {
		s.logger.Warn("payment marked refunded",
			zap.String("payment_id", payment.ID),
			zap.String("order_number", payment.OrderReference),
			zap.String("operator", operator),
			zap.String("reason", reason))
		s.tickets.OpenTicket(ctx, models.CategoryRefundedPaymentPaidOrder, payment.ID, payment.OrderReference,
			fmt.Sprintf("payment refunded by %s (%s); order is still paid", operator, reason))
		if err := s.publisher.Publish(ctx, messaging.Event{
			Type:        "payment.refunded",
			AggregateID: payment.ID,
			Payload:     payment,
		}); err != nil {
			s.logger.Warn("failed to publish payment event", zap.String("payment_id", payment.ID), zap.Error(err))
		}
	}
	return payment, nil
}

func (s *AdminService) ListTickets(ctx context.Context, status models.TicketStatus, limit int) ([]*models.Ticket, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.tickets.ListTickets(ctx, status, limit)
}

func (s *AdminService) Reconcile(ctx context.Context, opts ReconcileOptions) (*models.ReconciliationReport, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	return s.reconciler.Run(ctx, opts)
}

// Callbacks returns the audit trail of webhook deliveries for a payment.
func (s *AdminService) Callbacks(ctx context.Context, paymentID string) ([]audit.Entry, error) {
	if _, err := s.payments.GetByID(ctx, paymentID); err != nil {
		return nil, notFound("payment", paymentID, err)
	}
	if s.history == nil {
		return []audit.Entry{}, nil
	}
	return s.history.ForPayment(ctx, paymentID)
}
