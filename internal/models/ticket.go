// internal/models/ticket.go
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TicketCategory string

const (
	CategoryPaymentWithoutOrder          TicketCategory = "payment_without_order"
	CategoryPaidOrderWithoutEntitlement  TicketCategory = "paid_order_without_entitlement"
	CategoryRefundRequestedAfterDelivery TicketCategory = "refund_requested_after_fulfillment"
	CategoryAmountMismatch               TicketCategory = "amount_mismatch"
	CategoryRefundedPaymentPaidOrder     TicketCategory = "refunded_payment_paid_order"
)

var ticketPrefixes = map[TicketCategory]string{
	CategoryPaymentWithoutOrder:          "PAY",
	CategoryPaidOrderWithoutEntitlement:  "ENT",
	CategoryRefundRequestedAfterDelivery: "REF",
	CategoryAmountMismatch:               "AMT",
	CategoryRefundedPaymentPaidOrder:     "RFO",
}

func (c TicketCategory) Valid() bool {
	_, ok := ticketPrefixes[c]
	return ok
}

type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusResolved TicketStatus = "resolved"
)

// Ticket is a manual-review item. At most one ticket per
// (category, payment, order) is open at a time.
type Ticket struct {
	ID         string         `json:"id" db:"id"`
	Category   TicketCategory `json:"category" db:"category"`
	PaymentRef string         `json:"payment_ref,omitempty" db:"payment_ref"`
	OrderRef   string         `json:"order_ref,omitempty" db:"order_ref"`
	Context    string         `json:"context" db:"context"`
	Status     TicketStatus   `json:"status" db:"status"`
	Priority   string         `json:"priority" db:"priority"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

func NewTicket(category TicketCategory, paymentRef, orderRef, context string) *Ticket {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &Ticket{
		ID:         fmt.Sprintf("TICK-%s-%s", ticketPrefixes[category], strings.ToUpper(hex)),
		Category:   category,
		PaymentRef: paymentRef,
		OrderRef:   orderRef,
		Context:    context,
		Status:     TicketStatusOpen,
		Priority:   "high",
		CreatedAt:  time.Now().UTC(),
	}
}

// DedupeKey identifies the open ticket a replay would collide with.
func (t *Ticket) DedupeKey() string {
	return TicketKey(t.Category, t.PaymentRef, t.OrderRef)
}

func TicketKey(category TicketCategory, paymentRef, orderRef string) string {
	return string(category) + "|" + paymentRef + "|" + orderRef
}
