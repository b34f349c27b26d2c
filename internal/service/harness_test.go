// internal/service/harness_test.go
package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"payment-reconciliation/internal/audit"
	"payment-reconciliation/internal/gateway"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/webhook"
)

const (
	testSecret    = "callback-secret"
	testPackageID = int64(1)
)

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAudit) Record(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) ForPayment(_ context.Context, paymentID string) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) last() audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

type harness struct {
	payments     *memPayments
	orders       *memOrders
	purchases    *memPurchases
	packages     *memPackages
	entitlements *memEntitlements
	tickets      *memTickets
	deliverables *memDeliverables
	replay       *memReplay
	audit        *memAudit
	publisher    *recordingPublisher
	gw           *fakeGateway

	logger *zap.Logger
	logs   *observer.ObservedLogs

	escalations *EscalationService
	granter     Granter
	settler     *Settler
	callbacks   *CallbackService
	engine      *ReconciliationEngine
	purchase    *PurchaseService
	admin       *AdminService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	entitlements := &memEntitlements{rows: map[string]models.Entitlement{}}
	orders := &memOrders{rows: map[string]models.Order{}, entitlements: entitlements}
	payments := &memPayments{rows: map[string]models.Payment{}, orders: orders}

	h := &harness{
		payments:     payments,
		orders:       orders,
		purchases:    &memPurchases{payments: payments, orders: orders},
		entitlements: entitlements,
		packages: &memPackages{rows: map[int64]models.ServicePackage{
			testPackageID: {ID: testPackageID, Name: "Store layout pro", Price: decimal.NewFromInt(500000),
				Currency: "IRR", MaxAnalyses: 5, ValidityDays: 30, IsActive: true},
			2: {ID: 2, Name: "Retired", Price: decimal.NewFromInt(100000), Currency: "IRR", IsActive: false},
		}},
		tickets:      &memTickets{},
		deliverables: &memDeliverables{states: map[string]models.DeliverableState{}},
		replay:       &memReplay{keys: map[string]interface{}{}},
		audit:        &memAudit{},
		publisher:    &recordingPublisher{},
		gw:           &fakeGateway{name: gateway.ProviderPayPing},
		logger:       zap.New(core),
		logs:         logs,
	}
	h.build(nil)
	return h
}

// build wires the services. A nil granter means the real EntitlementService.
func (h *harness) build(granter Granter) {
	stores := h.stores()
	h.escalations = NewEscalationService(h.tickets, h.publisher, nil, h.logger)
	if granter == nil {
		granter = NewEntitlementService(h.entitlements, h.packages, h.publisher, h.logger)
	}
	h.granter = granter
	h.settler = NewSettler(h.orders, granter, h.escalations, h.publisher, h.logger)
	h.callbacks = NewCallbackService(CallbackDeps{
		Payments:    h.payments,
		Orders:      h.orders,
		Gateways:    []gateway.Gateway{h.gw},
		Parsers:     []webhook.Parser{webhook.NewPayPingParser(testSecret)},
		Settler:     h.settler,
		Escalations: h.escalations,
		Replay:      h.replay,
		Audit:       h.audit,
		Publisher:   h.publisher,
	}, h.logger)
	h.engine = NewReconciliationEngine(stores, h.settler, granter, h.escalations, nil,
		ReconcilerConfig{QuietPeriod: time.Minute}, h.logger)
	// records written by the test are always older than the quiet period
	h.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.purchase = NewPurchaseService(stores, h.gw, h.publisher, PurchaseConfig{
		CallbackURL: "https://shop.test/payments/callback",
		Retry:       gateway.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond},
	}, h.logger)
	h.admin = NewAdminService(h.payments, h.escalations, h.engine, h.audit, h.publisher, h.logger)
}

func (h *harness) stores() Stores {
	return Stores{
		Payments:     h.payments,
		Orders:       h.orders,
		Purchases:    h.purchases,
		Packages:     h.packages,
		Entitlements: h.entitlements,
		Tickets:      h.tickets,
		Deliverables: h.deliverables,
	}
}

// seedPayment stores a payment for the test package with an attached intent.
func (h *harness) seedPayment(t *testing.T, status models.PaymentStatus) *models.Payment {
	t.Helper()
	number := models.OrderNumberFor(testPackageID, time.Now())
	p := models.NewPayment(number, "user-1", decimal.NewFromInt(500000), "IRR",
		models.PayerInfo{Name: "Sara", Phone: "09120000000"})
	pkg := testPackageID
	p.PackageRef = &pkg
	p.Provider = gateway.ProviderPayPing
	p.IntentID = "intent-" + number
	p.Status = status
	switch status {
	case models.PaymentStatusCompleted:
		now := time.Now().UTC()
		p.CompletedAt = &now
		p.GatewayTransactionID = "txn-" + p.IntentID
	case models.PaymentStatusFailed:
		p.FailureReason = "declined"
	}
	h.payments.put(p)
	return p
}

// seedPurchase stores a payment together with its pending order.
func (h *harness) seedPurchase(t *testing.T, status models.PaymentStatus) (*models.Payment, *models.Order) {
	t.Helper()
	p := h.seedPayment(t, status)
	o := models.CreateForPayment(p)
	h.orders.put(o)
	return p, o
}

func (h *harness) deliver(t *testing.T, fields map[string]string) (*CallbackResult, error) {
	t.Helper()
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(webhook.SignatureHeader, webhook.Sign(testSecret, body))
	return h.callbacks.HandleDelivery(context.Background(), gateway.ProviderPayPing, header, body)
}

func successFor(p *models.Payment) map[string]string {
	return map[string]string{"code": p.IntentID, "refid": "ref-" + p.ID[:8], "clientrefid": p.OrderReference}
}
