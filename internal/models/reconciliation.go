// internal/models/reconciliation.go
package models

import "time"

type Sweep string

const (
	SweepOrphanedPayments       Sweep = "orphaned_payments"
	SweepPaidWithoutEntitlement Sweep = "paid_without_entitlement"
	SweepNoRefundPolicy         Sweep = "no_refund_policy"
)

// AllSweeps is the order a full run executes in.
var AllSweeps = []Sweep{SweepOrphanedPayments, SweepPaidWithoutEntitlement, SweepNoRefundPolicy}

func (s Sweep) Valid() bool {
	for _, known := range AllSweeps {
		if s == known {
			return true
		}
	}
	return false
}

// SweepResult counts what one sweep did with the records it looked at.
type SweepResult struct {
	Sweep     Sweep `json:"sweep"`
	Processed int   `json:"processed"`
	Repaired  int   `json:"repaired"`
	Escalated int   `json:"escalated"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	// Error is set when the sweep could not list its candidates at all.
	Error string `json:"error,omitempty"`
}

// ReconciliationReport summarizes one run of the reconciliation engine.
type ReconciliationReport struct {
	ID         string        `json:"id"`
	Trigger    string        `json:"trigger"`
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	Sweeps     []SweepResult `json:"sweeps"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Totals adds up the counters of every sweep in the report.
func (r *ReconciliationReport) Totals() SweepResult {
	var t SweepResult
	for _, s := range r.Sweeps {
		t.Processed += s.Processed
		t.Repaired += s.Repaired
		t.Escalated += s.Escalated
		t.Skipped += s.Skipped
		t.Failed += s.Failed
	}
	return t
}
