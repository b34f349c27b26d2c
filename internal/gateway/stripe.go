// internal/gateway/stripe.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API endpoint, e.g. for stripe-mock.
	BaseURL string
	Timeout time.Duration
	Limits  Limits
}

// StripeClient creates and inspects Checkout Sessions.
type StripeClient struct {
	api    *client.API
	limits Limits
	logger *zap.Logger
}

func NewStripeClient(cfg StripeConfig, logger *zap.Logger) *StripeClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	retries := int64(0)
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: &retries,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	return &StripeClient{
		api:    client.New(cfg.SecretKey, backends),
		limits: cfg.Limits,
		logger: logger,
	}
}

func (c *StripeClient) Name() string { return ProviderStripe }

func (c *StripeClient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	const op = "create_intent"
	if err := c.limits.validate(op, req); err != nil {
		return nil, err
	}

	returnURL := req.CallbackURL
	if strings.Contains(returnURL, "?") {
		returnURL += "&session_id={CHECKOUT_SESSION_ID}"
	} else {
		returnURL += "?session_id={CHECKOUT_SESSION_ID}"
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(returnURL),
		CancelURL:         stripe.String(returnURL),
		ClientReferenceID: stripe.String(req.ClientRefID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(toMinorUnits(req.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if strings.Contains(req.PayerIdentity, "@") {
		params.CustomerEmail = stripe.String(req.PayerIdentity)
	}
	params.AddMetadata("client_ref_id", req.ClientRefID)
	params.Context = ctx

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classifyStripeError(op, err)
	}
	if session.ID == "" {
		return nil, &Error{Kind: Protocol, Op: op, Message: "session id missing"}
	}

	c.logger.Info("stripe checkout session created",
		zap.String("client_ref_id", req.ClientRefID),
		zap.String("session_id", session.ID))

	return &Intent{ID: session.ID, RedirectURL: session.URL}, nil
}

func (c *StripeClient) Verify(ctx context.Context, sessionID string, expectedAmount decimal.Decimal) (*Verification, error) {
	const op = "verify"

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	session, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, classifyStripeError(op, err)
	}

	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid &&
		session.Status != stripe.CheckoutSessionStatusExpired {
		// async payment methods settle later with async_payment_succeeded
		return nil, &Error{Kind: Transient, Op: op, Code: CodePaymentPending,
			Message: fmt.Sprintf("session %s is awaiting payment", session.Status)}
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, &Error{Kind: Rejected, Op: op, Code: "not_paid",
			Message: fmt.Sprintf("session payment status is %s", session.PaymentStatus)}
	}

	expected := toMinorUnits(expectedAmount)
	if session.AmountTotal != expected {
		return nil, amountMismatch(op, decimal.NewFromInt(expected), decimal.NewFromInt(session.AmountTotal))
	}

	txnID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		txnID = session.PaymentIntent.ID
	}
	return &Verification{
		Verified:      true,
		TransactionID: txnID,
		Amount:        decimal.New(session.AmountTotal, -2),
	}, nil
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func classifyStripeError(op string, err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return &Error{Kind: Transient, Op: op, Message: transportMessage(err), Err: err}
	}

	kind := Rejected
	switch {
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 ||
		serr.Type == stripe.ErrorTypeAPI:
		kind = Transient
	case serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden:
		// bad or restricted API key
		kind = Protocol
	}
	return &Error{Kind: kind, Op: op, Code: string(serr.Code), Message: serr.Msg}
}
