// internal/service/reconciliation_test.go
package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-reconciliation/internal/metrics"
	"payment-reconciliation/internal/models"
)

func runSweep(t *testing.T, h *harness, sweep models.Sweep) models.SweepResult {
	t.Helper()
	report, err := h.engine.Run(context.Background(), ReconcileOptions{Sweeps: []models.Sweep{sweep}})
	require.NoError(t, err)
	require.Len(t, report.Sweeps, 1)
	assert.Empty(t, report.Sweeps[0].Error)
	return report.Sweeps[0]
}

func TestOrphanedPayments_SynthesizesPaidOrder(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, models.PaymentStatusCompleted)

	result := runSweep(t, h, models.SweepOrphanedPayments)
	assert.Equal(t, models.SweepResult{Sweep: models.SweepOrphanedPayments, Processed: 1, Repaired: 1}, result)

	order := h.orders.get(p.OrderReference)
	require.NotNil(t, order)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.True(t, order.FinalAmount.Equal(p.Amount))
	assert.Equal(t, p.ID, order.PaymentRef)
	assert.Equal(t, p.GatewayTransactionID, order.TransactionID)
	assert.Empty(t, h.tickets.all())
	assert.Equal(t, 1, h.entitlements.count())
	assert.Equal(t, 1, h.logs.FilterMessage("orphaned payment repaired").Len())

	// a second run finds nothing left to do
	result = runSweep(t, h, models.SweepOrphanedPayments)
	assert.Zero(t, result.Processed)
}

func TestOrphanedPayments_LinksExistingUnlinkedOrder(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, models.PaymentStatusCompleted)
	h.orders.put(models.CreateStandalone(p.OrderReference, p.UserID, p.PackageRef, p.Amount, p.Currency))

	result := runSweep(t, h, models.SweepOrphanedPayments)
	assert.Equal(t, 1, result.Repaired)

	order := h.orders.get(p.OrderReference)
	assert.Equal(t, p.ID, order.PaymentRef)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, 1, h.orders.count())
}

func TestOrphanedPayments_OrderCreatedConcurrently(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, models.PaymentStatusCompleted)
	h.orders.beforeCreate = func(o *models.Order) {
		// a late purchase-time write lands between the lookup and the insert
		h.orders.put(models.CreateStandalone(o.OrderNumber, o.UserID, o.PackageRef, o.FinalAmount, o.Currency))
	}

	result := runSweep(t, h, models.SweepOrphanedPayments)
	assert.Equal(t, 1, result.Repaired)
	assert.Equal(t, 1, h.orders.count())
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(p.OrderReference).Status)
	assert.Empty(t, h.tickets.all())
}

func TestOrphanedPayments_CancelledOrderEscalates(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusCompleted)
	_, err := o.MarkCancelled("timed out")
	require.NoError(t, err)
	h.orders.put(o)

	result := runSweep(t, h, models.SweepOrphanedPayments)
	assert.Equal(t, 1, result.Escalated)
	assert.Equal(t, models.OrderStatusCancelled, h.orders.get(o.OrderNumber).Status)

	tickets := h.tickets.byCategory(models.CategoryPaymentWithoutOrder)
	require.Len(t, tickets, 1)
	assert.Equal(t, p.ID, tickets[0].PaymentRef)
}

func TestPaidWithoutEntitlement(t *testing.T) {
	h := newHarness(t)

	resolvable, o1 := h.seedPurchase(t, models.PaymentStatusCompleted)
	_, err := o1.MarkPaid(resolvable)
	require.NoError(t, err)
	h.orders.put(o1)

	unresolvable, o2 := h.seedPurchase(t, models.PaymentStatusCompleted)
	_, err = o2.MarkPaid(unresolvable)
	require.NoError(t, err)
	o2.PackageRef = nil
	h.orders.put(o2)

	result := runSweep(t, h, models.SweepPaidWithoutEntitlement)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Repaired)
	assert.Equal(t, 1, result.Escalated)

	_, err = h.entitlements.GetByOrderNumber(context.Background(), o1.OrderNumber)
	assert.NoError(t, err)
	tickets := h.tickets.byCategory(models.CategoryPaidOrderWithoutEntitlement)
	require.Len(t, tickets, 1)
	assert.Equal(t, o2.OrderNumber, tickets[0].OrderRef)

	// the escalated order stays escalated once; no duplicate ticket
	runSweep(t, h, models.SweepPaidWithoutEntitlement)
	assert.Len(t, h.tickets.all(), 1)
}

func TestNoRefundPolicy(t *testing.T) {
	h := newHarness(t)

	started, startedOrder := h.seedPurchase(t, models.PaymentStatusFailed)
	_, err := startedOrder.MarkCancelled("declined")
	require.NoError(t, err)
	h.orders.put(startedOrder)
	h.deliverables.states[started.ID] = models.DeliverableStarted

	untouched, _ := h.seedPurchase(t, models.PaymentStatusPending)
	h.deliverables.states[untouched.ID] = models.DeliverablePending

	orphan := h.seedPayment(t, models.PaymentStatusPending)
	h.deliverables.states[orphan.ID] = models.DeliverableStarted

	result := runSweep(t, h, models.SweepNoRefundPolicy)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Repaired)
	assert.Equal(t, 1, result.Skipped)

	forced := h.payments.get(started.ID)
	assert.Equal(t, models.PaymentStatusCompleted, forced.Status)
	require.NotNil(t, forced.CompletedAt)
	assert.Contains(t, forced.Notes, "force-completed")
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(startedOrder.OrderNumber).Status)

	assert.Equal(t, models.PaymentStatusPending, h.payments.get(untouched.ID).Status)

	synthesized := h.orders.get(orphan.OrderReference)
	require.NotNil(t, synthesized)
	assert.Equal(t, models.OrderStatusPaid, synthesized.Status)
	assert.Equal(t, 2, h.entitlements.count())
}

func TestNoRefundPolicy_DeliverableLookupFails(t *testing.T) {
	h := newHarness(t)
	p, _ := h.seedPurchase(t, models.PaymentStatusFailed)
	h.deliverables.err = errors.New("connection reset")

	result := runSweep(t, h, models.SweepNoRefundPolicy)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, models.PaymentStatusFailed, h.payments.get(p.ID).Status)
}

func TestRun_SkipsRecordsInsideQuietPeriod(t *testing.T) {
	h := newHarness(t)
	h.engine.now = time.Now
	h.engine.quiet = 5 * time.Minute
	h.seedPayment(t, models.PaymentStatusCompleted)

	result := runSweep(t, h, models.SweepOrphanedPayments)
	assert.Zero(t, result.Processed)
	assert.Zero(t, h.orders.count())
}

func TestRun_WindowExcludesOldRecords(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, models.PaymentStatusCompleted)
	p.UpdatedAt = time.Now().Add(-30 * 24 * time.Hour)
	h.payments.put(p)

	report, err := h.engine.Run(context.Background(), ReconcileOptions{
		Since:  7 * 24 * time.Hour,
		Sweeps: []models.Sweep{models.SweepOrphanedPayments},
	})
	require.NoError(t, err)
	assert.Zero(t, report.Sweeps[0].Processed)
}

func TestRun_AllSweepsAndMetrics(t *testing.T) {
	h := newHarness(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h.engine.observer = m
	h.seedPayment(t, models.PaymentStatusCompleted)

	report, err := h.engine.Run(context.Background(), ReconcileOptions{Trigger: TriggerCLI})
	require.NoError(t, err)
	require.Len(t, report.Sweeps, 3)
	assert.Equal(t, TriggerCLI, report.Trigger)
	assert.Equal(t, models.SweepOrphanedPayments, report.Sweeps[0].Sweep)
	assert.Equal(t, 1, report.Totals().Repaired)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRecords.WithLabelValues("orphaned_payments", "repaired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("cli", "ok")))
}

func TestRun_SingleFlight(t *testing.T) {
	h := newHarness(t)
	h.engine.running.Lock()
	defer h.engine.running.Unlock()

	_, err := h.engine.Run(context.Background(), ReconcileOptions{})
	assert.ErrorIs(t, err, ErrSweepInProgress)
}

type stubLocker struct {
	ok       bool
	err      error
	released bool
}

func (l *stubLocker) Acquire(context.Context) (func(context.Context) error, bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func(context.Context) error {
		l.released = true
		return nil
	}, true, nil
}

func TestRun_DistributedLock(t *testing.T) {
	tests := []struct {
		name         string
		locker       *stubLocker
		wantErr      error
		wantReleased bool
	}{
		{"acquired", &stubLocker{ok: true}, nil, true},
		{"held elsewhere", &stubLocker{ok: false}, ErrSweepInProgress, false},
		{"redis down", &stubLocker{err: errors.New("dial tcp: refused")}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.engine.lock = tt.locker

			_, err := h.engine.Run(context.Background(), ReconcileOptions{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantReleased, tt.locker.released)
		})
	}
}

func TestRun_RejectsUnknownSweep(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Run(context.Background(), ReconcileOptions{Sweeps: []models.Sweep{"everything"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRun_CallbackAndSweepAgree(t *testing.T) {
	h := newHarness(t)
	p, o := h.seedPurchase(t, models.PaymentStatusPending)

	_, err := h.deliver(t, successFor(p))
	require.NoError(t, err)

	report, err := h.engine.Run(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	totals := report.Totals()
	assert.Zero(t, totals.Repaired)
	assert.Zero(t, totals.Escalated)
	assert.Equal(t, models.OrderStatusPaid, h.orders.get(o.OrderNumber).Status)
	assert.Equal(t, 1, h.entitlements.count())
}
