// internal/gateway/payping.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultPayPingURL = "https://api.payping.ir"

type PayPingConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// AmountMultiplier converts stored amounts to the unit the gateway bills
	// in. Prices are kept in toman and PayPing charges rial, hence 10.
	AmountMultiplier int64
	Limits           Limits
}

// PayPingClient talks to the PayPing v2 REST API.
type PayPingClient struct {
	cfg        PayPingConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewPayPingClient(cfg PayPingConfig, logger *zap.Logger) *PayPingClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPayPingURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AmountMultiplier <= 0 {
		cfg.AmountMultiplier = 1
	}
	cfg.Limits.WholeAmounts = true

	return &PayPingClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (c *PayPingClient) Name() string { return ProviderPayPing }

type payPingPayRequest struct {
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	ReturnURL     string `json:"returnUrl"`
	PayerIdentity string `json:"payerIdentity,omitempty"`
	PayerName     string `json:"payerName,omitempty"`
	ClientRefID   string `json:"clientRefId,omitempty"`
}

type payPingVerifyRequest struct {
	RefID  string `json:"refId"`
	Amount int64  `json:"amount"`
}

type payPingVerifyResponse struct {
	Amount     *int64 `json:"amount"`
	RefID      string `json:"refId"`
	CardNumber string `json:"cardNumber"`
}

// CreateIntent registers a payment and returns the code PayPing redirects on.
func (c *PayPingClient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	const op = "create_intent"
	if err := c.cfg.Limits.validate(op, req); err != nil {
		return nil, err
	}

	payload := payPingPayRequest{
		Amount:        c.toGatewayUnits(req.Amount),
		Description:   req.Description,
		ReturnURL:     req.CallbackURL,
		PayerIdentity: req.PayerIdentity,
		PayerName:     req.PayerName,
		ClientRefID:   req.ClientRefID,
	}

	var resp struct {
		Code string `json:"code"`
	}
	if err := c.post(ctx, op, "/v2/pay", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Code == "" {
		return nil, &Error{Kind: Protocol, Op: op, Message: "response is missing code"}
	}

	c.logger.Info("payping intent created",
		zap.String("client_ref_id", req.ClientRefID),
		zap.String("code", resp.Code))

	return &Intent{
		ID:          resp.Code,
		RedirectURL: fmt.Sprintf("%s/v2/pay/gotoipg/%s", c.cfg.BaseURL, resp.Code),
	}, nil
}

// Verify confirms the payment referenced by refID. PayPing may answer 200
// with an empty body; the amount is checked only when it is reported.
func (c *PayPingClient) Verify(ctx context.Context, refID string, expectedAmount decimal.Decimal) (*Verification, error) {
	const op = "verify"
	expected := c.toGatewayUnits(expectedAmount)

	var resp payPingVerifyResponse
	if err := c.post(ctx, op, "/v2/pay/verify", payPingVerifyRequest{RefID: refID, Amount: expected}, &resp); err != nil {
		return nil, err
	}

	settled := expectedAmount
	if resp.Amount != nil {
		if *resp.Amount != expected {
			return nil, amountMismatch(op, decimal.NewFromInt(expected), decimal.NewFromInt(*resp.Amount))
		}
		settled = decimal.NewFromInt(*resp.Amount).Div(decimal.NewFromInt(c.cfg.AmountMultiplier))
	}

	txnID := resp.RefID
	if txnID == "" {
		txnID = refID
	}
	return &Verification{Verified: true, TransactionID: txnID, Amount: settled}, nil
}

func (c *PayPingClient) toGatewayUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(c.cfg.AmountMultiplier)).IntPart()
}

func (c *PayPingClient) post(ctx context.Context, op, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: Protocol, Op: op, Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: Protocol, Op: op, Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Kind: Transient, Op: op, Message: transportMessage(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: Transient, Op: op, Message: "failed to read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &Error{Kind: Transient, Op: op, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: errorMessage(data)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// credential problem on our side, not a verdict on the payment
		return &Error{Kind: Protocol, Op: op, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: errorMessage(data)}
	default:
		return &Error{Kind: Rejected, Op: op, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: errorMessage(data)}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: Protocol, Op: op, Message: "failed to parse response", Err: err}
	}
	return nil
}

// errorMessage pulls a human readable message out of a PayPing error body,
// which is either {"message": ...}, {"error": ...} or a map of field errors.
func errorMessage(data []byte) string {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	for _, key := range []string{"message", "error"} {
		if v, ok := body[key].(string); ok && v != "" {
			return v
		}
	}
	return strings.TrimSpace(string(data))
}

func transportMessage(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return "request failed"
}
