// internal/gateway/instrumented.go
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Recorder receives one observation per gateway call.
type Recorder interface {
	ObserveGatewayCall(provider, op, outcome string, elapsed time.Duration)
}

type instrumented struct {
	next     Gateway
	recorder Recorder
}

// WithRecorder wraps g so every call is reported to r.
func WithRecorder(g Gateway, r Recorder) Gateway {
	if r == nil {
		return g
	}
	return &instrumented{next: g, recorder: r}
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	start := time.Now()
	intent, err := i.next.CreateIntent(ctx, req)
	i.recorder.ObserveGatewayCall(i.next.Name(), "create_intent", outcome(err), time.Since(start))
	return intent, err
}

func (i *instrumented) Verify(ctx context.Context, intentID string, expectedAmount decimal.Decimal) (*Verification, error) {
	start := time.Now()
	v, err := i.next.Verify(ctx, intentID, expectedAmount)
	i.recorder.ObserveGatewayCall(i.next.Name(), "verify", outcome(err), time.Since(start))
	return v, err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "error"
}
