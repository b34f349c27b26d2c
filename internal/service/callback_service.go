// internal/service/callback_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"payment-reconciliation/internal/audit"
	"payment-reconciliation/internal/gateway"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/webhook"
	"payment-reconciliation/pkg/messaging"
)

const (
	replayKeyPrefix = "callback:converged:"
	replayTTL       = 24 * time.Hour
)

type CallbackOutcome string

const (
	OutcomeCompleted        CallbackOutcome = "completed"
	OutcomeAlreadyCompleted CallbackOutcome = "already_completed"
	OutcomeReplayed         CallbackOutcome = "replayed"
	OutcomeFailed           CallbackOutcome = "failed"
	OutcomeRefundEscalated  CallbackOutcome = "refund_escalated"
	OutcomeIgnored          CallbackOutcome = "ignored"
	OutcomeEscalated        CallbackOutcome = "escalated"
	OutcomePending          CallbackOutcome = "pending"
	OutcomeUnauthenticated  CallbackOutcome = "unauthenticated"
	OutcomeNotFound         CallbackOutcome = "not_found"
	OutcomeRetryLater       CallbackOutcome = "retry_later"
	OutcomeError            CallbackOutcome = "error"
)

type CallbackResult struct {
	Outcome     CallbackOutcome `json:"outcome"`
	PaymentID   string          `json:"payment_id,omitempty"`
	OrderNumber string          `json:"order_number,omitempty"`
	Status      string          `json:"payment_status,omitempty"`
}

// CallbackService drives a Payment and its Order from gateway callbacks.
// Every step is idempotent, so replays and out-of-order deliveries converge
// to the same state.
type CallbackService struct {
	payments    PaymentStore
	orders      OrderStore
	gateways    map[string]gateway.Gateway
	parsers     map[string]webhook.Parser
	settler     *Settler
	escalations Escalator
	replay      ReplayCache
	audit       audit.Recorder
	publisher   EventPublisher
	observer    Observer
	logger      *zap.Logger
}

type CallbackDeps struct {
	Payments    PaymentStore
	Orders      OrderStore
	Gateways    []gateway.Gateway
	Parsers     []webhook.Parser
	Settler     *Settler
	Escalations Escalator
	Replay      ReplayCache
	Audit       audit.Recorder
	Publisher   EventPublisher
	Observer    Observer
}

func NewCallbackService(deps CallbackDeps, logger *zap.Logger) *CallbackService {
	s := &CallbackService{
		payments:    deps.Payments,
		orders:      deps.Orders,
		gateways:    make(map[string]gateway.Gateway),
		parsers:     make(map[string]webhook.Parser),
		settler:     deps.Settler,
		escalations: deps.Escalations,
		replay:      deps.Replay,
		audit:       deps.Audit,
		publisher:   deps.Publisher,
		observer:    deps.Observer,
		logger:      logger,
	}
	for _, g := range deps.Gateways {
		s.gateways[g.Name()] = g
	}
	for _, p := range deps.Parsers {
		s.parsers[p.Provider()] = p
	}
	if s.audit == nil {
		s.audit = audit.NewLogRecorder(logger)
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	return s
}

// HandleDelivery authenticates and applies one webhook delivery. The
// returned error decides the HTTP status; a nil error means the gateway
// should stop retrying.
func (s *CallbackService) HandleDelivery(ctx context.Context, provider string, header http.Header, body []byte) (result *CallbackResult, err error) {
	entry := audit.Entry{Provider: provider, RawBody: string(body), ReceivedAt: time.Now().UTC()}
	defer func() {
		outcome := outcomeOf(result, err)
		entry.Outcome = string(outcome)
		if result != nil {
			entry.PaymentID = result.PaymentID
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if aerr := s.audit.Record(ctx, entry); aerr != nil {
			s.logger.Warn("failed to record callback", zap.Error(aerr))
		}
		s.observer.ObserveCallback(provider, string(outcome))
	}()

	parser, ok := s.parsers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	n, err := parser.Parse(header, body)
	if errors.Is(err, webhook.ErrInvalidSignature) {
		s.logger.Warn("callback rejected: bad signature", zap.String("provider", provider))
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if err != nil {
		return nil, err
	}
	entry.Authenticated = true
	entry.EventID = n.EventID
	entry.IntentID = n.IntentID
	entry.ClientRefID = n.ClientRefID
	entry.Reported = string(n.Status)

	return s.Apply(ctx, n)
}

// Apply runs an authenticated notification through the state machine.
func (s *CallbackService) Apply(ctx context.Context, n *webhook.Notification) (*CallbackResult, error) {
	if n.Status == webhook.StatusUnknown && n.IntentID == "" && n.ClientRefID == "" && n.TransactionID == "" {
		return &CallbackResult{Outcome: OutcomeIgnored}, nil
	}

	if s.seen(ctx, n) {
		return &CallbackResult{Outcome: OutcomeReplayed}, nil
	}

	payment, err := s.resolvePayment(ctx, n)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(
		zap.String("payment_id", payment.ID),
		zap.String("order_number", payment.OrderReference),
		zap.String("provider", n.Provider),
		zap.String("reported_status", string(n.Status)))

	if n.Status == webhook.StatusRefunded {
		log.Warn("gateway reported a refund", zap.String("payment_status", string(payment.Status)))
		s.escalations.OpenTicket(ctx, models.CategoryRefundRequestedAfterDelivery, payment.ID, payment.OrderReference,
			fmt.Sprintf("gateway %s reported refund of %s payment (txn %s)", n.Provider, payment.Status, n.TransactionID))
		return resultFor(OutcomeRefundEscalated, payment), nil
	}

	switch payment.Status {
	case models.PaymentStatusCompleted:
		return s.converge(ctx, n, payment, OutcomeAlreadyCompleted, log)
	case models.PaymentStatusPending, models.PaymentStatusProcessing:
	default:
		return s.handleTerminal(ctx, n, payment, log)
	}

	payment, _, err = updatePayment(ctx, s.payments, payment.ID, func(p *models.Payment) (bool, error) {
		return p.MarkProcessing(n.TransactionID)
	})
	if errors.Is(err, models.ErrInvalidTransition) && payment != nil {
		return s.handleTerminal(ctx, n, payment, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment processing: %w", err)
	}
	if payment.IsCompleted() {
		return s.converge(ctx, n, payment, OutcomeAlreadyCompleted, log)
	}

	verification, err := s.verify(ctx, n, payment)
	switch gateway.KindOf(err) {
	case 0:
		if err != nil {
			return nil, err
		}
	case gateway.Rejected:
		return s.reject(ctx, payment, err, log)
	default:
		if gateway.CodeOf(err) == gateway.CodePaymentPending && n.Status != webhook.StatusSuccess {
			// the provider announces the final state with its own event
			log.Info("payment awaiting settlement at gateway")
			return resultFor(OutcomePending, payment), nil
		}
		log.Warn("gateway verification failed", zap.Error(err))
		return nil, err
	}

	payment, changed, err := updatePayment(ctx, s.payments, payment.ID, func(p *models.Payment) (bool, error) {
		refreshed, err := p.MarkProcessing(verification.TransactionID)
		if err != nil {
			return false, err
		}
		completed, err := p.MarkCompleted()
		return refreshed || completed, err
	})
	if errors.Is(err, models.ErrInvalidTransition) && payment != nil {
		return s.handleTerminal(ctx, n, payment, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}

	if changed {
		log.Info("payment completed", zap.String("transaction_id", payment.GatewayTransactionID))
		if err := s.publisher.Publish(ctx, messaging.Event{
			Type:        "payment.completed",
			AggregateID: payment.ID,
			Payload:     payment,
		}); err != nil {
			log.Warn("failed to publish payment event", zap.Error(err))
		}
	}

	outcome := OutcomeCompleted
	if !changed {
		outcome = OutcomeAlreadyCompleted
	}
	return s.converge(ctx, n, payment, outcome, log)
}

func (s *CallbackService) verify(ctx context.Context, n *webhook.Notification, payment *models.Payment) (*gateway.Verification, error) {
	provider := payment.Provider
	if provider == "" {
		provider = n.Provider
	}
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	intentID := payment.IntentID
	if intentID == "" {
		intentID = n.IntentID
	}
	return gw.Verify(ctx, intentID, payment.Amount)
}

// reject records a declined verification. The order is cancelled, never
// refunded.
func (s *CallbackService) reject(ctx context.Context, payment *models.Payment, verifyErr error, log *zap.Logger) (*CallbackResult, error) {
	reason := verifyErr.Error()
	payment, _, err := updatePayment(ctx, s.payments, payment.ID, func(p *models.Payment) (bool, error) {
		return p.MarkFailed(reason)
	})
	if errors.Is(err, models.ErrInvalidTransition) && payment != nil && payment.IsCompleted() {
		// a concurrent delivery completed it first
		return s.converge(ctx, nil, payment, OutcomeAlreadyCompleted, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	log.Warn("payment verification rejected", zap.String("reason", reason))

	if _, _, err := updateOrder(ctx, s.orders, payment.OrderReference, func(o *models.Order) (bool, error) {
		return o.MarkCancelled(reason)
	}); err != nil && !isNotFound(err) {
		log.Warn("failed to cancel order", zap.Error(err))
	}

	if gateway.CodeOf(verifyErr) == gateway.CodeAmountMismatch {
		s.escalations.OpenTicket(ctx, models.CategoryAmountMismatch, payment.ID, payment.OrderReference, reason)
	}

	if err := s.publisher.Publish(ctx, messaging.Event{
		Type:        "payment.failed",
		AggregateID: payment.ID,
		Payload:     payment,
	}); err != nil {
		log.Warn("failed to publish payment event", zap.Error(err))
	}
	return resultFor(OutcomeFailed, payment), nil
}

// handleTerminal deals with deliveries for failed, cancelled or refunded
// payments. Those never move forward on a callback, but money the gateway
// confirms for them must reach a human.
func (s *CallbackService) handleTerminal(ctx context.Context, n *webhook.Notification, payment *models.Payment, log *zap.Logger) (*CallbackResult, error) {
	if payment.IsCompleted() {
		return s.converge(ctx, n, payment, OutcomeAlreadyCompleted, log)
	}
	if n == nil || n.Status != webhook.StatusSuccess || payment.Status == models.PaymentStatusRefunded {
		log.Info("callback ignored for terminal payment", zap.String("payment_status", string(payment.Status)))
		return resultFor(OutcomeIgnored, payment), nil
	}

	if _, err := s.verify(ctx, n, payment); err != nil {
		if gateway.KindOf(err) == gateway.Rejected {
			return resultFor(OutcomeIgnored, payment), nil
		}
		return nil, err
	}

	log.Error("gateway confirmed money for a payment recorded as terminal",
		zap.String("payment_status", string(payment.Status)))
	s.escalations.OpenTicket(ctx, models.CategoryPaymentWithoutOrder, payment.ID, payment.OrderReference,
		fmt.Sprintf("gateway %s confirmed payment recorded as %s", n.Provider, payment.Status))
	return resultFor(OutcomeEscalated, payment), nil
}

// converge brings order and entitlement in line with a completed payment
// and marks the notification as fully handled.
func (s *CallbackService) converge(ctx context.Context, n *webhook.Notification, payment *models.Payment, outcome CallbackOutcome, log *zap.Logger) (*CallbackResult, error) {
	settlement, err := s.settler.Settle(ctx, payment, false)
	if err != nil {
		log.Error("failed to settle completed payment", zap.Error(err))
		return nil, err
	}

	result := resultFor(outcome, payment)
	if settlement.Order != nil {
		result.OrderNumber = settlement.Order.OrderNumber
	}
	if settlement.Escalated {
		result.Outcome = OutcomeEscalated
		return result, nil
	}

	if n != nil {
		s.markSeen(ctx, n, payment.ID)
	}
	return result, nil
}

func (s *CallbackService) resolvePayment(ctx context.Context, n *webhook.Notification) (*models.Payment, error) {
	lookups := []struct {
		key  string
		find func(context.Context, string) (*models.Payment, error)
	}{
		{n.IntentID, s.payments.FindByIntentID},
		{n.ClientRefID, s.payments.FindByOrderReference},
		{n.TransactionID, s.payments.FindByTransactionID},
	}

	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		payment, err := l.find(ctx, l.key)
		if err == nil {
			return payment, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to resolve payment: %w", err)
		}
	}

	s.logger.Warn("callback for unknown payment",
		zap.String("provider", n.Provider),
		zap.String("intent_id", n.IntentID),
		zap.String("client_ref_id", n.ClientRefID))
	return nil, fmt.Errorf("payment for intent %q: %w", n.IntentID, ErrNotFound)
}

func (s *CallbackService) seen(ctx context.Context, n *webhook.Notification) bool {
	if s.replay == nil || n.Status != webhook.StatusSuccess {
		return false
	}
	ok, err := s.replay.Exists(ctx, replayKeyPrefix+n.ReplayKey())
	if err != nil {
		s.logger.Debug("replay cache unavailable", zap.Error(err))
		return false
	}
	return ok
}

func (s *CallbackService) markSeen(ctx context.Context, n *webhook.Notification, paymentID string) {
	if s.replay == nil || n.Status != webhook.StatusSuccess {
		return
	}
	if err := s.replay.Set(ctx, replayKeyPrefix+n.ReplayKey(), paymentID, replayTTL); err != nil {
		s.logger.Debug("failed to mark callback converged", zap.Error(err))
	}
}

func resultFor(outcome CallbackOutcome, payment *models.Payment) *CallbackResult {
	return &CallbackResult{
		Outcome:     outcome,
		PaymentID:   payment.ID,
		OrderNumber: payment.OrderReference,
		Status:      string(payment.Status),
	}
}

func outcomeOf(result *CallbackResult, err error) CallbackOutcome {
	switch {
	case err == nil && result != nil:
		return result.Outcome
	case errors.Is(err, ErrUnauthenticated):
		return OutcomeUnauthenticated
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case gateway.IsTransient(err):
		return OutcomeRetryLater
	default:
		return OutcomeError
	}
}
