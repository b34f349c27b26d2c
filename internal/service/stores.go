// internal/service/stores.go
package service

import (
	"context"
	"time"

	"payment-reconciliation/internal/models"
	"payment-reconciliation/pkg/messaging"
)

// The interfaces below are implemented by internal/repository against
// Postgres and by the in-memory stores used in tests.

type PaymentStore interface {
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	FindByTransactionID(ctx context.Context, txnID string) (*models.Payment, error)
	FindByOrderReference(ctx context.Context, orderReference string) (*models.Payment, error)
	Update(ctx context.Context, payment *models.Payment) error
	ListCompletedWithoutPaidOrder(ctx context.Context, from, to time.Time) ([]*models.Payment, error)
	ListByStatus(ctx context.Context, statuses []models.PaymentStatus, from, to time.Time) ([]*models.Payment, error)
}

type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	FindByPaymentRef(ctx context.Context, paymentID string) (*models.Order, error)
	Update(ctx context.Context, order *models.Order) error
	ListPaidWithoutEntitlement(ctx context.Context, from, to time.Time) ([]*models.Order, error)
}

// PurchaseStore persists a new Payment and its Order in one transaction.
type PurchaseStore interface {
	CreatePaymentAndOrder(ctx context.Context, payment *models.Payment, order *models.Order) error
}

type PackageStore interface {
	GetByID(ctx context.Context, id int64) (*models.ServicePackage, error)
}

type EntitlementStore interface {
	Create(ctx context.Context, e *models.Entitlement) error
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Entitlement, error)
}

type TicketStore interface {
	Create(ctx context.Context, t *models.Ticket) error
	FindOpen(ctx context.Context, category models.TicketCategory, paymentRef, orderRef string) (*models.Ticket, error)
	List(ctx context.Context, status models.TicketStatus, limit int) ([]*models.Ticket, error)
}

// DeliverableLookup reports how far the analysis pipeline got with the work
// a payment bought.
type DeliverableLookup interface {
	StateForPayment(ctx context.Context, paymentID string) (models.DeliverableState, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event messaging.Event) error
}

// ReplayCache short-circuits callbacks that already converged.
type ReplayCache interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Locker is a cross-process lease; *redis.Lock implements it.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// Observer receives service level measurements; *metrics.Metrics implements it.
type Observer interface {
	ObserveCallback(provider, outcome string)
	ObserveSweep(sweep string, processed, repaired, escalated, skipped, failed int)
	ObserveRun(trigger, outcome string)
	TicketOpened(category string)
	TicketFailed()
}

type nopObserver struct{}

func (nopObserver) ObserveCallback(string, string) {}
func (nopObserver) ObserveSweep(string, int, int, int, int, int) {}
func (nopObserver) ObserveRun(string, string) {}
func (nopObserver) TicketOpened(string) {}
func (nopObserver) TicketFailed() {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, messaging.Event) error { return nil }

// Stores bundles the persistence dependencies shared by the services.
type Stores struct {
	Payments     PaymentStore
	Orders       OrderStore
	Purchases    PurchaseStore
	Packages     PackageStore
	Entitlements EntitlementStore
	Tickets      TicketStore
	Deliverables DeliverableLookup
}
