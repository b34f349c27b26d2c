// internal/service/callback_service_test.go
package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-reconciliation/internal/gateway"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/webhook"
)

func TestHandleDelivery_CompletesPaymentOrderAndEntitlement(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)

	result, err := h.deliver(t, successFor(p))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, o.OrderNumber, result.OrderNumber)

	payment := h.payments.get(p.ID)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	require.NotNil(t, payment.CompletedAt)
	assert.Equal(t, "txn-"+p.IntentID, payment.GatewayTransactionID)

	order := h.orders.get(o.OrderNumber)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, p.ID, order.PaymentRef)
	assert.Equal(t, payment.GatewayTransactionID, order.TransactionID)

	e, err := h.entitlements.GetByOrderNumber(context.Background(), o.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, testPackageID, e.PackageID)
	assert.Equal(t, 5, e.MaxAnalyses)
	assert.Equal(t, 30, int(e.EndsAt.Sub(e.StartsAt).Hours()/24))

	assert.Empty(t, h.tickets.all())
	assert.Equal(t, p.IntentID, h.gw.lastVerify)
	assert.Equal(t, []string{"payment.completed", "order.paid", "entitlement.granted"}, h.publisher.types())

	entry := h.audit.last()
	assert.True(t, entry.Authenticated)
	assert.Equal(t, p.ID, entry.PaymentID)
	assert.Equal(t, string(OutcomeCompleted), entry.Outcome)
}

func TestHandleDelivery_ReplaysConvergeToSameState(t *testing.T) {
	tests := []struct {
		name        string
		withReplay  bool
		wantOutcome CallbackOutcome
	}{
		{"replay cache short-circuits", true, OutcomeReplayed},
		{"no replay cache", false, OutcomeAlreadyCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if !tt.withReplay {
				h.callbacks.replay = nil
			}
			p, o := h.seedPurchase(t, models.PaymentStatusPending)

			_, err := h.deliver(t, successFor(p))
			require.NoError(t, err)
			first := *h.payments.get(p.ID)

			for i := 0; i < 4; i++ {
				result, err := h.deliver(t, successFor(p))
				require.NoError(t, err)
				assert.Equal(t, tt.wantOutcome, result.Outcome)
			}

			after := h.payments.get(p.ID)
			assert.Equal(t, first.Status, after.Status)
			assert.Equal(t, first.CompletedAt, after.CompletedAt)
			assert.Equal(t, first.Version, after.Version)
			assert.Equal(t, models.OrderStatusPaid, h.orders.get(o.OrderNumber).Status)
			assert.Equal(t, 1, h.entitlements.count())
			assert.Empty(t, h.tickets.all())
			assert.Equal(t, 1, h.gw.calls(), "completed payments are not verified again")
		})
	}
}

func TestHandleDelivery_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	h.callbacks.replay = nil
	p, o := h.seedPurchase(t, models.PaymentStatusPending)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.deliver(t, successFor(p))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, models.PaymentStatusCompleted, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(o.OrderNumber).Status)
	assert.Equal(t, 1, h.entitlements.count())
}

func TestHandleDelivery_RejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	p, _ := h.seedPurchase(t, models.PaymentStatusPending)

	header := http.Header{}
	header.Set("X-Signature", "deadbeef")
	_, err := h.callbacks.HandleDelivery(context.Background(), gateway.ProviderPayPing, header, []byte(`{"code":"`+p.IntentID+`"}`))

	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, models.PaymentStatusPending, h.payments.get(p.ID).Status)
	assert.Zero(t, h.gw.calls())
	assert.Equal(t, string(OutcomeUnauthenticated), h.audit.last().Outcome)
	assert.False(t, h.audit.last().Authenticated)
}

func TestHandleDelivery_UnknownProvider(t *testing.T) {
	h := newHarness(t)

	_, err := h.callbacks.HandleDelivery(context.Background(), "paypal", http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestHandleDelivery_UnknownPaymentIsNotFabricated(t *testing.T) {
	h := newHarness(t)

	_, err := h.deliver(t, map[string]string{"code": "nobody-knows", "clientrefid": "CHD_9_1_abcdef"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.payments.rows)
	assert.Zero(t, h.orders.count())
	assert.Zero(t, h.gw.calls())
}

func TestHandleDelivery_ResolvesByClientReference(t *testing.T) {
	h := newHarness(t)
	p, _ := h.seedPurchase(t, models.PaymentStatusPending)

	result, err := h.deliver(t, map[string]string{"clientrefid": p.OrderReference, "refid": "r-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, p.IntentID, h.gw.lastVerify, "verification uses the stored intent, not the callback body")
}

func TestHandleDelivery_TransientVerifyLeavesProcessing(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)
	h.gw.verify = []verifyResult{
		{err: &gateway.Error{Kind: gateway.Transient, Op: "verify", Message: "timeout"}},
		{v: &gateway.Verification{Verified: true, TransactionID: "txn-late", Amount: p.Amount}},
	}

	_, err := h.deliver(t, successFor(p))
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	assert.Equal(t, models.PaymentStatusProcessing, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPending, h.orders.get(o.OrderNumber).Status)
	assert.Equal(t, string(OutcomeRetryLater), h.audit.last().Outcome)

	// the gateway retries the delivery
	result, err := h.deliver(t, successFor(p))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "txn-late", h.payments.get(p.ID).GatewayTransactionID)
}

func TestHandleDelivery_ProtocolErrorChangesNothingFurther(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)
	h.gw.verify = []verifyResult{{err: &gateway.Error{Kind: gateway.Protocol, Op: "verify", Message: "bad json"}}}

	_, err := h.deliver(t, successFor(p))
	require.Error(t, err)
	assert.Equal(t, gateway.Protocol, gateway.KindOf(err))
	assert.Equal(t, models.PaymentStatusProcessing, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPending, h.orders.get(o.OrderNumber).Status)
}

func TestHandleDelivery_GatewayCredentialFailureIsNotADecline(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"token expired"}`))
	}))
	t.Cleanup(srv.Close)
	payping := gateway.NewPayPingClient(gateway.PayPingConfig{
		BaseURL:          srv.URL,
		Token:            "expired",
		Timeout:          time.Second,
		AmountMultiplier: 10,
	}, h.logger)
	h.callbacks = NewCallbackService(CallbackDeps{
		Payments:    h.payments,
		Orders:      h.orders,
		Gateways:    []gateway.Gateway{payping},
		Parsers:     []webhook.Parser{webhook.NewPayPingParser(testSecret)},
		Settler:     h.settler,
		Escalations: h.escalations,
		Audit:       h.audit,
	}, h.logger)

	result, err := h.deliver(t, successFor(p))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, gateway.Protocol, gateway.KindOf(err))
	assert.Equal(t, "http_401", gateway.CodeOf(err))

	payment := h.payments.get(p.ID)
	assert.Equal(t, models.PaymentStatusProcessing, payment.Status)
	assert.Empty(t, payment.FailureReason)
	assert.Equal(t, models.OrderStatusPending, h.orders.get(o.OrderNumber).Status)
	assert.Empty(t, h.tickets.all())
}

func TestApply_AsyncPaymentSettlesOnLaterEvent(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)
	pending := &gateway.Error{Kind: gateway.Transient, Op: "verify", Code: gateway.CodePaymentPending, Message: "session complete is awaiting payment"}
	h.gw.verify = []verifyResult{
		{err: pending},
		{err: pending},
		{v: &gateway.Verification{Verified: true, TransactionID: "pi_async", Amount: p.Amount}},
	}
	ctx := context.Background()

	// checkout finished with a delayed payment method
	result, err := h.callbacks.Apply(ctx, &webhook.Notification{
		Provider: gateway.ProviderPayPing, IntentID: p.IntentID, ClientRefID: p.OrderReference, Status: webhook.StatusUnknown,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, result.Outcome)
	assert.Equal(t, models.PaymentStatusProcessing, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPending, h.orders.get(o.OrderNumber).Status)

	// a success claim the gateway cannot confirm yet is retried, never failed
	_, err = h.callbacks.Apply(ctx, &webhook.Notification{
		Provider: gateway.ProviderPayPing, IntentID: p.IntentID, Status: webhook.StatusSuccess,
	})
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	assert.Equal(t, models.PaymentStatusProcessing, h.payments.get(p.ID).Status)

	// the money arrives
	result, err = h.callbacks.Apply(ctx, &webhook.Notification{
		Provider: gateway.ProviderPayPing, IntentID: p.IntentID, TransactionID: "pi_async", Status: webhook.StatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, models.PaymentStatusCompleted, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(o.OrderNumber).Status)
	assert.Equal(t, 1, h.entitlements.count())
	assert.Empty(t, h.tickets.all())
}

func TestHandleDelivery_RejectedVerification(t *testing.T) {
	tests := []struct {
		name        string
		err         *gateway.Error
		wantTickets int
	}{
		{"declined", &gateway.Error{Kind: gateway.Rejected, Op: "verify", Message: "payment not found"}, 0},
		{"amount mismatch", &gateway.Error{Kind: gateway.Rejected, Op: "verify", Code: gateway.CodeAmountMismatch, Message: "expected 500000, gateway reported 5000"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p, o := h.seedPurchase(t, models.PaymentStatusPending)
			h.gw.verify = []verifyResult{{err: tt.err}}

			result, err := h.deliver(t, successFor(p))
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, result.Outcome)

			payment := h.payments.get(p.ID)
			assert.Equal(t, models.PaymentStatusFailed, payment.Status)
			assert.Nil(t, payment.CompletedAt)
			assert.NotEmpty(t, payment.FailureReason)
			assert.Equal(t, models.OrderStatusCancelled, h.orders.get(o.OrderNumber).Status)
			assert.Zero(t, h.entitlements.count())

			assert.Len(t, h.tickets.byCategory(models.CategoryAmountMismatch), tt.wantTickets)
			assert.Len(t, h.tickets.all(), tt.wantTickets)

			// replaying the rejected delivery changes nothing
			result, err = h.deliver(t, successFor(p))
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, result.Outcome)
			assert.Equal(t, models.PaymentStatusFailed, h.payments.get(p.ID).Status)
			assert.Len(t, h.tickets.all(), tt.wantTickets)
		})
	}
}

func TestHandleDelivery_ReportedRefundOpensTicket(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)
	_, err := h.deliver(t, successFor(p))
	require.NoError(t, err)

	refund := successFor(p)
	refund["status"] = "refunded"
	for i := 0; i < 2; i++ {
		result, err := h.deliver(t, refund)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRefundEscalated, result.Outcome)
	}

	assert.Equal(t, models.PaymentStatusCompleted, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(o.OrderNumber).Status)
	tickets := h.tickets.byCategory(models.CategoryRefundRequestedAfterDelivery)
	require.Len(t, tickets, 1)
	assert.Equal(t, p.ID, tickets[0].PaymentRef)
	assert.Contains(t, tickets[0].ID, "TICK-REF-")
}

func TestHandleDelivery_EntitlementFailureEscalatesButKeepsPayment(t *testing.T) {
	h := newHarness(t)
	h.build(failingGranter{err: errBackendDown})
	p, o := h.seedPurchase(t, models.PaymentStatusPending)

	for i := 0; i < 3; i++ {
		result, err := h.deliver(t, successFor(p))
		require.NoError(t, err)
		assert.Equal(t, OutcomeEscalated, result.Outcome)
	}

	assert.Equal(t, models.PaymentStatusCompleted, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(o.OrderNumber).Status)
	tickets := h.tickets.all()
	require.Len(t, tickets, 1)
	assert.Equal(t, models.CategoryPaidOrderWithoutEntitlement, tickets[0].Category)
	assert.Equal(t, o.OrderNumber, tickets[0].OrderRef)
}

func TestHandleDelivery_SynthesizesMissingOrder(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, models.PaymentStatusPending)

	result, err := h.deliver(t, successFor(p))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	order := h.orders.get(p.OrderReference)
	require.NotNil(t, order)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, p.ID, order.PaymentRef)
	assert.True(t, p.Amount.Equal(order.FinalAmount))
	assert.Equal(t, 1, h.entitlements.count())
	assert.Equal(t, 1, h.logs.FilterMessage("order missing for completed payment, synthesizing").Len())
}

func TestHandleDelivery_LateFailureAfterSuccess(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)
	_, err := h.deliver(t, successFor(p))
	require.NoError(t, err)

	failed := successFor(p)
	failed["status"] = "failed"
	result, err := h.deliver(t, failed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCompleted, result.Outcome)
	assert.Equal(t, models.PaymentStatusCompleted, h.payments.get(p.ID).Status)
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(o.OrderNumber).Status)
}

func TestHandleDelivery_MoneyForFailedPaymentEscalates(t *testing.T) {
	h := newHarness(t)
	p, _ := h.seedPurchase(t, models.PaymentStatusFailed)

	result, err := h.deliver(t, successFor(p))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, result.Outcome)
	assert.Equal(t, models.PaymentStatusFailed, h.payments.get(p.ID).Status)

	tickets := h.tickets.byCategory(models.CategoryPaymentWithoutOrder)
	require.Len(t, tickets, 1)
	assert.Contains(t, tickets[0].Context, "recorded as failed")
}

func TestHandleDelivery_RetriesStaleWrites(t *testing.T) {
	h := newHarness(t)
	p, _ := h.seedPurchase(t, models.PaymentStatusPending)
	h.payments.stale = 2

	result, err := h.deliver(t, successFor(p))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, models.PaymentStatusCompleted, h.payments.get(p.ID).Status)
}

func TestHandleDelivery_StaleWritesGiveUp(t *testing.T) {
	h := newHarness(t)
	p, _ := h.seedPurchase(t, models.PaymentStatusPending)
	h.payments.stale = maxWriteAttempts

	_, err := h.deliver(t, successFor(p))
	require.Error(t, err)
	assert.Equal(t, models.PaymentStatusPending, h.payments.get(p.ID).Status)
	assert.Zero(t, h.gw.calls(), "no gateway call before the processing mark is stored")
}
