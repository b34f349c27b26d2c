// internal/models/catalog.go
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ServicePackage is a catalog row. This module only reads it.
type ServicePackage struct {
	ID           int64           `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Currency     string          `json:"currency" db:"currency"`
	MaxAnalyses  int             `json:"max_analyses" db:"max_analyses"`
	ValidityDays int             `json:"validity_days" db:"validity_days"`
	IsActive     bool            `json:"is_active" db:"is_active"`
}

// Entitlement is the subscription a paid order grants. One per order number.
type Entitlement struct {
	ID          string    `json:"id" db:"id"`
	OrderNumber string    `json:"order_number" db:"order_number"`
	UserID      string    `json:"user_id" db:"user_id"`
	PackageID   int64     `json:"package_id" db:"package_id"`
	PaymentID   string    `json:"payment_id" db:"payment_id"`
	StartsAt    time.Time `json:"starts_at" db:"starts_at"`
	EndsAt      time.Time `json:"ends_at" db:"ends_at"`
	MaxAnalyses int       `json:"max_analyses" db:"max_analyses"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NewEntitlement starts the subscription now and runs it for the package's
// validity period.
func NewEntitlement(order *Order, pkg *ServicePackage) *Entitlement {
	now := time.Now().UTC()
	return &Entitlement{
		ID:          uuid.NewString(),
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		PackageID:   pkg.ID,
		PaymentID:   order.PaymentRef,
		StartsAt:    now,
		EndsAt:      now.AddDate(0, 0, pkg.ValidityDays),
		MaxAnalyses: pkg.MaxAnalyses,
		CreatedAt:   now,
	}
}

// DeliverableState is what the analysis pipeline reports about the work
// bought by a payment.
type DeliverableState string

const (
	DeliverableNone    DeliverableState = "none"
	DeliverablePending DeliverableState = "pending"
	DeliverableStarted DeliverableState = "started"
)

// OrderNumberFor builds the business key for a new purchase:
// CHD_<package>_<unix seconds>_<6 hex>.
func OrderNumberFor(packageID int64, at time.Time) string {
	suffix := uuid.New().String()[:6]
	return fmt.Sprintf("CHD_%d_%d_%s", packageID, at.Unix(), suffix)
}
