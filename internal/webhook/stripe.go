// internal/webhook/stripe.go
package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"

	"payment-reconciliation/internal/gateway"
)

const StripeSignatureHeader = "Stripe-Signature"

type StripeParser struct {
	secret string
}

func NewStripeParser(secret string) *StripeParser {
	return &StripeParser{secret: secret}
}

func (p *StripeParser) Provider() string { return gateway.ProviderStripe }

func (p *StripeParser) Parse(header http.Header, body []byte) (*Notification, error) {
	event, err := stripewebhook.ConstructEventWithOptions(body, header.Get(StripeSignatureHeader), p.secret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := &Notification{
		Provider: gateway.ProviderStripe,
		EventID:  event.ID,
		Status:   StatusUnknown,
		Raw:      body,
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		n.IntentID = session.ID
		n.ClientRefID = session.ClientReferenceID
		if session.PaymentIntent != nil {
			n.TransactionID = session.PaymentIntent.ID
		}
		switch {
		case event.Type == "checkout.session.async_payment_failed" || event.Type == "checkout.session.expired":
			n.Status = StatusFailed
		case event.Type == "checkout.session.completed" &&
			session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid:
			// delayed method; async_payment_succeeded or _failed follows
			n.Status = StatusUnknown
		default:
			n.Status = StatusSuccess
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if charge.PaymentIntent != nil {
			n.TransactionID = charge.PaymentIntent.ID
		}
		n.ClientRefID = charge.Metadata["client_ref_id"]
		n.Status = StatusRefunded
	}

	return n, nil
}
