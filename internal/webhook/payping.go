// internal/webhook/payping.go
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"payment-reconciliation/internal/gateway"
)

const SignatureHeader = "X-Signature"

// PayPingParser checks an HMAC-SHA256 of the raw body, hex encoded in
// X-Signature.
type PayPingParser struct {
	secret []byte
}

func NewPayPingParser(secret string) *PayPingParser {
	return &PayPingParser{secret: []byte(secret)}
}

func (p *PayPingParser) Provider() string { return gateway.ProviderPayPing }

// Sign returns the signature a sender must put in X-Signature for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type payPingCallback struct {
	Code        string `json:"code"`
	RefID       string `json:"refid"`
	ClientRefID string `json:"clientrefid"`
	CardNumber  string `json:"cardnumber"`
	Status      string `json:"status"`
}

func (p *PayPingParser) Parse(header http.Header, body []byte) (*Notification, error) {
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("%w: no shared secret configured", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(header.Get(SignatureHeader)))
	if err != nil || len(got) == 0 {
		return nil, ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, ErrInvalidSignature
	}

	cb, err := decodePayPing(header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	if cb.Code == "" && cb.ClientRefID == "" {
		return nil, fmt.Errorf("%w: neither code nor clientrefid present", ErrMalformed)
	}

	return &Notification{
		Provider:      gateway.ProviderPayPing,
		IntentID:      cb.Code,
		ClientRefID:   cb.ClientRefID,
		TransactionID: cb.RefID,
		Status:        payPingStatus(cb.Status),
		Raw:           body,
	}, nil
}

func decodePayPing(contentType string, body []byte) (*payPingCallback, error) {
	var cb payPingCallback
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cb = payPingCallback{
			Code:        values.Get("code"),
			RefID:       values.Get("refid"),
			ClientRefID: values.Get("clientrefid"),
			CardNumber:  values.Get("cardnumber"),
			Status:      values.Get("status"),
		}
		return &cb, nil
	}

	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &cb, nil
}

// payPingStatus maps the optional status field. A callback without one means
// the payer came back from the gateway page; verification decides the rest.
func payPingStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ok", "success", "paid":
		return StatusSuccess
	case "failed", "cancelled", "canceled", "error":
		return StatusFailed
	case "refunded", "refund":
		return StatusRefunded
	default:
		return StatusUnknown
	}
}
