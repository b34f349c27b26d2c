// internal/models/payment.go
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// ErrInvalidTransition is returned when an aggregate operation is not allowed
// from the current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError carries the rejected edge.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// paymentTransitions is the forward-only state machine. Same-state moves are
// handled by the individual operations as no-ops.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusCompleted:  {},
	PaymentStatusFailed:     {},
	PaymentStatusCancelled:  {},
	PaymentStatusRefunded:   {},
}

// CanTransition reports whether the forward state machine allows from → to.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PayerInfo identifies who pays. Identity is what the gateway wants (phone or email).
type PayerInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Identity returns the phone when present, the email otherwise.
func (p PayerInfo) Identity() string {
	if p.Phone != "" {
		return p.Phone
	}
	return p.Email
}

type Payment struct {
	ID                   string          `json:"id" db:"id"`
	OrderReference       string          `json:"order_reference" db:"order_reference"`
	UserID               string          `json:"user_id" db:"user_id"`
	PackageRef           *int64          `json:"package_ref,omitempty" db:"package_ref"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Currency             string          `json:"currency" db:"currency"`
	Status               PaymentStatus   `json:"status" db:"status"`
	Provider             string          `json:"provider" db:"provider"`
	IntentID             string          `json:"intent_id,omitempty" db:"intent_id"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty" db:"gateway_transaction_id"`
	Description          string          `json:"description" db:"description"`
	Payer                PayerInfo       `json:"payer"`
	FailureReason        string          `json:"failure_reason,omitempty" db:"failure_reason"`
	Notes                string          `json:"notes,omitempty" db:"notes"`
	IsTest               bool            `json:"is_test" db:"is_test"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Version              int64           `json:"-" db:"version"`
}

// NewPayment starts a payment attempt in pending.
func NewPayment(orderReference, userID string, amount decimal.Decimal, currency string, payer PayerInfo) *Payment {
	now := time.Now().UTC()
	return &Payment{
		ID:             uuid.NewString(),
		OrderReference: orderReference,
		UserID:         userID,
		Amount:         amount,
		Currency:       currency,
		Status:         PaymentStatusPending,
		Payer:          payer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (p *Payment) IsCompleted() bool { return p.Status == PaymentStatusCompleted }

func (p *Payment) touch(now time.Time) { p.UpdatedAt = now }

func (p *Payment) reject(to PaymentStatus) error {
	return &TransitionError{Entity: "payment " + p.ID, From: string(p.Status), To: string(to)}
}

// AttachIntent records the gateway handle returned by CreateIntent.
func (p *Payment) AttachIntent(provider, intentID string) (bool, error) {
	if p.Status != PaymentStatusPending {
		return false, p.reject(p.Status)
	}
	if p.IntentID == intentID && p.Provider == provider {
		return false, nil
	}
	p.Provider = provider
	p.IntentID = intentID
	p.touch(time.Now().UTC())
	return true, nil
}

// MarkProcessing records that the gateway acknowledged the payment. While
// processing it may refresh the transaction id.
func (p *Payment) MarkProcessing(gatewayTxnID string) (bool, error) {
	switch p.Status {
	case PaymentStatusPending:
		p.Status = PaymentStatusProcessing
	case PaymentStatusProcessing:
		if gatewayTxnID == "" || gatewayTxnID == p.GatewayTransactionID {
			return false, nil
		}
	case PaymentStatusCompleted:
		return false, nil
	default:
		return false, p.reject(PaymentStatusProcessing)
	}

	if gatewayTxnID != "" {
		p.GatewayTransactionID = gatewayTxnID
	}
	p.touch(time.Now().UTC())
	return true, nil
}

// MarkCompleted is idempotent: completing a completed payment is a no-op.
func (p *Payment) MarkCompleted() (bool, error) {
	if p.Status == PaymentStatusCompleted {
		return false, nil
	}
	if !CanTransition(p.Status, PaymentStatusCompleted) {
		return false, p.reject(PaymentStatusCompleted)
	}

	now := time.Now().UTC()
	p.Status = PaymentStatusCompleted
	p.CompletedAt = &now
	p.FailureReason = ""
	p.touch(now)
	return true, nil
}

func (p *Payment) MarkFailed(reason string) (bool, error) {
	if p.Status == PaymentStatusFailed {
		return false, nil
	}
	if !CanTransition(p.Status, PaymentStatusFailed) {
		return false, p.reject(PaymentStatusFailed)
	}

	p.Status = PaymentStatusFailed
	p.FailureReason = reason
	p.touch(time.Now().UTC())
	return true, nil
}

func (p *Payment) MarkCancelled(reason string) (bool, error) {
	if p.Status == PaymentStatusCancelled {
		return false, nil
	}
	if !CanTransition(p.Status, PaymentStatusCancelled) {
		return false, p.reject(PaymentStatusCancelled)
	}

	p.Status = PaymentStatusCancelled
	p.FailureReason = reason
	p.touch(time.Now().UTC())
	return true, nil
}

// ForceComplete applies the no-refund-once-work-started policy. It is the only
// path from failed back to completed.
func (p *Payment) ForceComplete(reason string) (bool, error) {
	switch p.Status {
	case PaymentStatusCompleted:
		return false, nil
	case PaymentStatusPending, PaymentStatusFailed:
	default:
		return false, p.reject(PaymentStatusCompleted)
	}

	now := time.Now().UTC()
	if p.FailureReason != "" {
		reason = fmt.Sprintf("%s (was %s)", reason, p.FailureReason)
	}
	p.Status = PaymentStatusCompleted
	p.CompletedAt = &now
	p.FailureReason = ""
	p.appendNote(fmt.Sprintf("force-completed: %s", reason), now)
	p.touch(now)
	return true, nil
}

// MarkRefunded is reserved for the manual refund operation.
func (p *Payment) MarkRefunded(operator, reason string) (bool, error) {
	if p.Status == PaymentStatusRefunded {
		return false, nil
	}
	if p.Status != PaymentStatusCompleted {
		return false, p.reject(PaymentStatusRefunded)
	}

	now := time.Now().UTC()
	note := fmt.Sprintf("refunded by %s: %s", operator, reason)
	if p.CompletedAt != nil {
		note += fmt.Sprintf(" (completed %s)", p.CompletedAt.Format(time.RFC3339))
	}
	p.Status = PaymentStatusRefunded
	p.CompletedAt = nil
	p.appendNote(note, now)
	p.touch(now)
	return true, nil
}

func (p *Payment) appendNote(note string, at time.Time) {
	line := at.Format(time.RFC3339) + " " + note
	if p.Notes == "" {
		p.Notes = line
		return
	}
	p.Notes += "\n" + line
}
