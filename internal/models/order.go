// internal/models/order.go
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var (
	// ErrPaymentNotCompleted is returned when an order is marked paid by a
	// payment that has not completed.
	ErrPaymentNotCompleted = errors.New("payment is not completed")
	// ErrLinkedToOtherPayment is returned when an order already references a
	// different payment.
	ErrLinkedToOtherPayment = errors.New("order is linked to another payment")
	ErrOrderNumberMismatch  = errors.New("payment order reference does not match order number")
)

type Order struct {
	OrderNumber    string          `json:"order_number" db:"order_number"`
	UserID         string          `json:"user_id" db:"user_id"`
	PackageRef     *int64          `json:"package_ref,omitempty" db:"package_ref"`
	OriginalAmount decimal.Decimal `json:"original_amount" db:"original_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount" db:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount" db:"final_amount"`
	Currency       string          `json:"currency" db:"currency"`
	Status         OrderStatus     `json:"status" db:"status"`
	PaymentRef     string          `json:"payment_ref,omitempty" db:"payment_ref"`
	TransactionID  string          `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	Version        int64           `json:"-" db:"version"`
}

// CreateForPayment builds the pending order that pairs with a fresh payment.
func CreateForPayment(p *Payment) *Order {
	o := CreateStandalone(p.OrderReference, p.UserID, p.PackageRef, p.Amount, p.Currency)
	o.PaymentRef = p.ID
	return o
}

// CreateStandalone builds an unlinked pending order. Reconciliation uses it to
// synthesize the missing side of a pair.
func CreateStandalone(orderNumber, userID string, packageRef *int64, amount decimal.Decimal, currency string) *Order {
	now := time.Now().UTC()
	return &Order{
		OrderNumber:    orderNumber,
		UserID:         userID,
		PackageRef:     packageRef,
		OriginalAmount: amount,
		DiscountAmount: decimal.Zero,
		FinalAmount:    amount,
		Currency:       currency,
		Status:         OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsPaid is true for paid and for a fulfilled order.
func (o *Order) IsPaid() bool {
	return o.Status == OrderStatusPaid || o.Status == OrderStatusCompleted
}

func (o *Order) reject(to OrderStatus) error {
	return &TransitionError{Entity: "order " + o.OrderNumber, From: string(o.Status), To: string(to)}
}

// LinkPayment sets the payment reference when it is empty. Linking the same
// payment twice is a no-op.
func (o *Order) LinkPayment(p *Payment) (bool, error) {
	if p.OrderReference != o.OrderNumber {
		return false, fmt.Errorf("%w: %s != %s", ErrOrderNumberMismatch, p.OrderReference, o.OrderNumber)
	}
	switch o.PaymentRef {
	case p.ID:
		return false, nil
	case "":
		o.PaymentRef = p.ID
		o.UpdatedAt = time.Now().UTC()
		return true, nil
	default:
		return false, fmt.Errorf("%w: order %s has %s", ErrLinkedToOtherPayment, o.OrderNumber, o.PaymentRef)
	}
}

// MarkPaid requires a completed payment. Pending, processing and failed orders
// move to paid; an order already paid by the same payment is left alone.
func (o *Order) MarkPaid(p *Payment) (bool, error) {
	if !p.IsCompleted() {
		return false, fmt.Errorf("%w: payment %s is %s", ErrPaymentNotCompleted, p.ID, p.Status)
	}
	if o.PaymentRef != "" && o.PaymentRef != p.ID {
		return false, fmt.Errorf("%w: order %s has %s", ErrLinkedToOtherPayment, o.OrderNumber, o.PaymentRef)
	}

	switch o.Status {
	case OrderStatusPaid, OrderStatusCompleted:
		if o.PaymentRef == p.ID {
			return false, nil
		}
		return false, o.reject(OrderStatusPaid)
	case OrderStatusPending, OrderStatusProcessing, OrderStatusFailed:
	default:
		return false, o.reject(OrderStatusPaid)
	}

	o.applyPaid(p)
	return true, nil
}

// ForcePaid moves any non-paid order to paid. It backs the no-refund policy
// and must not be used by the callback path.
func (o *Order) ForcePaid(p *Payment) (bool, error) {
	if !p.IsCompleted() {
		return false, fmt.Errorf("%w: payment %s is %s", ErrPaymentNotCompleted, p.ID, p.Status)
	}
	if o.IsPaid() && o.PaymentRef == p.ID {
		return false, nil
	}
	if o.PaymentRef != "" && o.PaymentRef != p.ID {
		return false, fmt.Errorf("%w: order %s has %s", ErrLinkedToOtherPayment, o.OrderNumber, o.PaymentRef)
	}

	o.applyPaid(p)
	return true, nil
}

func (o *Order) applyPaid(p *Payment) {
	o.Status = OrderStatusPaid
	o.PaymentRef = p.ID
	if p.GatewayTransactionID != "" {
		o.TransactionID = p.GatewayTransactionID
	} else if o.TransactionID == "" {
		o.TransactionID = p.IntentID
	}
	o.UpdatedAt = time.Now().UTC()
}

// MarkCancelled never touches a paid or fulfilled order.
func (o *Order) MarkCancelled(reason string) (bool, error) {
	switch o.Status {
	case OrderStatusCancelled:
		return false, nil
	case OrderStatusPending, OrderStatusProcessing, OrderStatusFailed:
	default:
		return false, o.reject(OrderStatusCancelled)
	}

	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}
