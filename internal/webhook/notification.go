// internal/webhook/notification.go
package webhook

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidSignature = errors.New("webhook signature is invalid")
	ErrMalformed        = errors.New("webhook payload is malformed")
)

// Status is what the gateway claims happened. It is never trusted on its own
// for success: the callback flow always verifies with the gateway.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
	StatusUnknown  Status = "unknown"
)

// Notification is an authenticated, provider-neutral callback.
type Notification struct {
	Provider      string `json:"provider"`
	EventID       string `json:"event_id,omitempty"`
	IntentID      string `json:"intent_id,omitempty"`
	ClientRefID   string `json:"client_ref_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        Status `json:"status"`
	Raw           []byte `json:"-"`
}

// ReplayKey identifies deliveries of the same notification.
func (n *Notification) ReplayKey() string {
	ref := n.IntentID
	if ref == "" {
		ref = n.ClientRefID
	}
	if ref == "" {
		ref = n.TransactionID
	}
	return n.Provider + ":" + ref + ":" + string(n.Status)
}

// Parser authenticates a raw delivery and turns it into a Notification.
type Parser interface {
	Provider() string
	Parse(header http.Header, body []byte) (*Notification, error)
}
