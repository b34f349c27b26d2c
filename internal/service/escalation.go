// internal/service/escalation.go
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

// Escalator opens manual-review tickets.
type Escalator interface {
	OpenTicket(ctx context.Context, category models.TicketCategory, paymentRef, orderRef, detail string) (*models.Ticket, error)
}

// EscalationService is the sink for inconsistencies that cannot be repaired
// automatically. Its failures are logged and counted; callers carry on.
type EscalationService struct {
	tickets   TicketStore
	publisher EventPublisher
	observer  Observer
	logger    *zap.Logger
}

func NewEscalationService(tickets TicketStore, publisher EventPublisher, observer Observer, logger *zap.Logger) *EscalationService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &EscalationService{
		tickets:   tickets,
		publisher: publisher,
		observer:  observer,
		logger:    logger,
	}
}

// OpenTicket records a ticket unless an open one exists for the same
// category, payment and order, in which case that one is returned.
func (s *EscalationService) OpenTicket(ctx context.Context, category models.TicketCategory, paymentRef, orderRef, detail string) (ticket *models.Ticket, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ticket store panicked: %v", r)
			ticket = nil
		}
		if err != nil {
			s.observer.TicketFailed()
			s.logger.Error("failed to open escalation ticket",
				zap.String("category", string(category)),
				zap.String("payment_id", paymentRef),
				zap.String("order_number", orderRef),
				zap.String("context", detail),
				zap.Error(err))
		}
	}()

	if !category.Valid() {
		return nil, fmt.Errorf("unknown ticket category %q", category)
	}

	existing, err := s.tickets.FindOpen(ctx, category, paymentRef, orderRef)
	if err == nil {
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("failed to look up open ticket: %w", err)
	}

	ticket = models.NewTicket(category, paymentRef, orderRef, detail)
	if err := s.tickets.Create(ctx, ticket); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.tickets.FindOpen(ctx, category, paymentRef, orderRef)
		}
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	s.observer.TicketOpened(string(category))
	s.logger.Warn("escalation ticket opened",
		zap.String("ticket_id", ticket.ID),
		zap.String("category", string(category)),
		zap.String("payment_id", paymentRef),
		zap.String("order_number", orderRef),
		zap.String("context", detail))

	if err := s.publisher.Publish(ctx, messaging.Event{
		Type:        "ticket.opened",
		AggregateID: ticket.ID,
		Payload:     ticket,
	}); err != nil {
		s.logger.Warn("failed to publish ticket event", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}

	return ticket, nil
}

func (s *EscalationService) ListTickets(ctx context.Context, status models.TicketStatus, limit int) ([]*models.Ticket, error) {
	return s.tickets.List(ctx, status, limit)
}
