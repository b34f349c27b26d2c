// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reconciliation"

type Metrics struct {
	GatewayCalls   *prometheus.CounterVec
	GatewayLatency *prometheus.HistogramVec
	Callbacks      *prometheus.CounterVec
	SweepRecords   *prometheus.CounterVec
	SweepRuns      *prometheus.CounterVec
	Tickets        *prometheus.CounterVec
	TicketFailures prometheus.Counter
}

// NewMetrics registers every collector with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Outbound gateway calls by provider, operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of outbound gateway calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 90},
		}, []string{"provider", "op"}),
		Callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Gateway callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		SweepRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_records_total",
			Help:      "Records visited by reconciliation sweeps, by result.",
		}, []string{"sweep", "result"}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Reconciliation runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		Tickets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_tickets_total",
			Help:      "Escalation tickets opened, by category.",
		}, []string{"category"}),
		TicketFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_failures_total",
			Help:      "Escalations that could not be recorded.",
		}),
	}
}

func (m *Metrics) ObserveGatewayCall(provider, op, outcome string, elapsed time.Duration) {
	m.GatewayCalls.WithLabelValues(provider, op, outcome).Inc()
	m.GatewayLatency.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveCallback(provider, outcome string) {
	m.Callbacks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveSweep(sweep string, processed, repaired, escalated, skipped, failed int) {
	add := func(result string, n int) {
		if n > 0 {
			m.SweepRecords.WithLabelValues(sweep, result).Add(float64(n))
		}
	}
	add("processed", processed)
	add("repaired", repaired)
	add("escalated", escalated)
	add("skipped", skipped)
	add("failed", failed)
}

func (m *Metrics) ObserveRun(trigger, outcome string) {
	m.SweepRuns.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) TicketOpened(category string) {
	m.Tickets.WithLabelValues(category).Inc()
}

func (m *Metrics) TicketFailed() {
	m.TicketFailures.Inc()
}
