// internal/gateway/gateway.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ProviderPayPing = "payping"
	ProviderStripe  = "stripe"

	DefaultTimeout = 90 * time.Second

	// CodeAmountMismatch marks a verification whose settled amount differs
	// from the amount the payment was created for.
	CodeAmountMismatch = "amount_mismatch"
	CodeInvalidAmount  = "invalid_amount"
	CodeInsecureURL    = "insecure_callback_url"

	// CodePaymentPending marks a session the customer finished but whose
	// money has not arrived yet. It is always Transient.
	CodePaymentPending = "payment_pending"
)

// Gateway is the outbound side of a payment provider.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Verify(ctx context.Context, intentID string, expectedAmount decimal.Decimal) (*Verification, error)
}

type IntentRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CallbackURL   string
	PayerIdentity string
	PayerName     string
	ClientRefID   string
}

type Intent struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
}

type Verification struct {
	Verified      bool
	TransactionID string
	Amount        decimal.Decimal
}

type Kind int

const (
	// Transient failures may succeed on retry: network, timeout, 5xx, 429.
	Transient Kind = iota + 1
	// Rejected means the gateway (or local validation) declined the request.
	Rejected
	// Protocol means the response could not be understood.
	Protocol
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a gateway error, or 0 for anything else.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return 0
}

// CodeOf returns the gateway error code, if any.
func CodeOf(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ""
}

func IsTransient(err error) bool { return KindOf(err) == Transient }

// Limits are the checks applied before any request leaves the process.
type Limits struct {
	MinAmount    decimal.Decimal
	WholeAmounts bool
	Sandbox      bool
}

func (l Limits) validate(op string, req IntentRequest) error {
	if !req.Amount.IsPositive() {
		return &Error{Kind: Rejected, Op: op, Code: CodeInvalidAmount, Message: "amount must be positive"}
	}
	if req.Amount.LessThan(l.MinAmount) {
		return &Error{Kind: Rejected, Op: op, Code: CodeInvalidAmount,
			Message: fmt.Sprintf("amount %s is below minimum %s", req.Amount, l.MinAmount)}
	}
	if l.WholeAmounts && !req.Amount.Equal(req.Amount.Truncate(0)) {
		return &Error{Kind: Rejected, Op: op, Code: CodeInvalidAmount, Message: "amount must be a whole number"}
	}

	u, err := url.Parse(req.CallbackURL)
	if err != nil || u.Host == "" {
		return &Error{Kind: Rejected, Op: op, Code: CodeInsecureURL, Message: "callback url is invalid"}
	}
	if u.Scheme != "https" && !l.Sandbox {
		return &Error{Kind: Rejected, Op: op, Code: CodeInsecureURL, Message: "callback url must use https"}
	}
	return nil
}

func amountMismatch(op string, expected, got decimal.Decimal) *Error {
	return &Error{
		Kind:    Rejected,
		Op:      op,
		Code:    CodeAmountMismatch,
		Message: fmt.Sprintf("expected %s, gateway reported %s", expected, got),
	}
}
