// internal/metrics/metrics_test.go
package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveGatewayCall("payping", "verify", "ok", 120*time.Millisecond)
	m.ObserveGatewayCall("payping", "verify", "transient", time.Second)
	m.ObserveCallback("payping", "completed")
	m.ObserveSweep("orphaned_payments", 3, 2, 1, 0, 0)
	m.TicketOpened("payment_without_order")
	m.TicketFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayCalls.WithLabelValues("payping", "verify", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Callbacks.WithLabelValues("payping", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepRecords.WithLabelValues("orphaned_payments", "repaired")))
	// zero counts are not emitted
	assert.Equal(t, 3, testutil.CollectAndCount(m.SweepRecords, "reconciliation_sweep_records_total"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicketFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.GatewayLatency))
}
