// internal/service/reconciliation.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-reconciliation/internal/models"
)

const (
	DefaultWindow      = 90 * 24 * time.Hour
	DefaultQuietPeriod = 5 * time.Minute

	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// ReconcileOptions selects the window and sweeps of one run. Zero values
// mean the engine defaults and every sweep.
type ReconcileOptions struct {
	Since   time.Duration
	Sweeps  []models.Sweep
	Trigger string
}

type ReconcilerConfig struct {
	Window      time.Duration
	QuietPeriod time.Duration
	// Lock, when set, keeps runs single-flight across processes.
	Lock Locker
}

// ReconciliationEngine finds and repairs divergence between payments, orders
// and entitlements. It never runs twice at once and skips records touched
// within the quiet period so it does not race live callbacks.
type ReconciliationEngine struct {
	payments     PaymentStore
	orders       OrderStore
	deliverables DeliverableLookup
	settler      *Settler
	entitlements Granter
	escalations  Escalator
	observer     Observer
	logger       *zap.Logger

	window time.Duration
	quiet  time.Duration
	lock   Locker

	running sync.Mutex
	now     func() time.Time
}

func NewReconciliationEngine(
	stores Stores,
	settler *Settler,
	entitlements Granter,
	escalations Escalator,
	observer Observer,
	cfg ReconcilerConfig,
	logger *zap.Logger,
) *ReconciliationEngine {
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.QuietPeriod < 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	return &ReconciliationEngine{
		payments:     stores.Payments,
		orders:       stores.Orders,
		deliverables: stores.Deliverables,
		settler:      settler,
		entitlements: entitlements,
		escalations:  escalations,
		observer:     observer,
		logger:       logger,
		window:       cfg.Window,
		quiet:        cfg.QuietPeriod,
		lock:         cfg.Lock,
		now:          time.Now,
	}
}

// Run executes the selected sweeps over [now-since, now-quiet). Records that
// need a human are escalated and counted; they are not errors. A run that
// overlaps another returns ErrSweepInProgress.
func (e *ReconciliationEngine) Run(ctx context.Context, opts ReconcileOptions) (*models.ReconciliationReport, error) {
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	sweeps := opts.Sweeps
	if len(sweeps) == 0 {
		sweeps = models.AllSweeps
	}
	for _, s := range sweeps {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown sweep %q", ErrInvalidRequest, s)
		}
	}

	if !e.running.TryLock() {
		e.observer.ObserveRun(trigger, "busy")
		return nil, ErrSweepInProgress
	}
	defer e.running.Unlock()

	release, err := e.acquire(ctx)
	if err != nil {
		e.observer.ObserveRun(trigger, "busy")
		return nil, err
	}
	defer release()

	since := opts.Since
	if since <= 0 {
		since = e.window
	}
	now := e.now().UTC()
	report := &models.ReconciliationReport{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		From:      now.Add(-since),
		To:        now.Add(-e.quiet),
		StartedAt: now,
	}

	e.logger.Info("starting reconciliation",
		zap.String("run_id", report.ID),
		zap.String("trigger", trigger),
		zap.Time("from", report.From),
		zap.Time("to", report.To))

	for _, sweep := range sweeps {
		result := e.runSweep(ctx, sweep, report.From, report.To)
		report.Sweeps = append(report.Sweeps, result)
		e.observer.ObserveSweep(string(sweep), result.Processed, result.Repaired, result.Escalated, result.Skipped, result.Failed)
	}
	report.FinishedAt = e.now().UTC()

	totals := report.Totals()
	e.logger.Info("reconciliation complete",
		zap.String("run_id", report.ID),
		zap.Int("processed", totals.Processed),
		zap.Int("repaired", totals.Repaired),
		zap.Int("escalated", totals.Escalated),
		zap.Int("skipped", totals.Skipped),
		zap.Int("failed", totals.Failed),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	e.observer.ObserveRun(trigger, "ok")

	return report, nil
}

// Start runs the engine every interval until ctx is done.
func (e *ReconciliationEngine) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		e.logger.Info("reconciliation scheduler disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("reconciliation scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			_, err := e.Run(ctx, ReconcileOptions{Trigger: TriggerSchedule})
			if errors.Is(err, ErrSweepInProgress) {
				e.logger.Debug("skipping scheduled reconciliation, previous run still active")
			} else if err != nil {
				e.logger.Error("scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (e *ReconciliationEngine) acquire(ctx context.Context) (func(), error) {
	if e.lock == nil {
		return func() {}, nil
	}

	unlock, ok, err := e.lock.Acquire(ctx)
	if err != nil {
		// Versioned writes keep overlapping runs correct; the lease only
		// saves duplicate work, so an unreachable Redis does not block.
		e.logger.Warn("distributed reconciliation lock unavailable", zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, ErrSweepInProgress
	}
	return func() {
		if err := unlock(context.Background()); err != nil {
			e.logger.Warn("failed to release reconciliation lock", zap.Error(err))
		}
	}, nil
}

func (e *ReconciliationEngine) runSweep(ctx context.Context, sweep models.Sweep, from, to time.Time) models.SweepResult {
	result := models.SweepResult{Sweep: sweep}
	var err error
	switch sweep {
	case models.SweepOrphanedPayments:
		err = e.sweepOrphanedPayments(ctx, from, to, &result)
	case models.SweepPaidWithoutEntitlement:
		err = e.sweepPaidWithoutEntitlement(ctx, from, to, &result)
	case models.SweepNoRefundPolicy:
		err = e.sweepNoRefundPolicy(ctx, from, to, &result)
	}
	if err != nil {
		result.Error = err.Error()
		e.logger.Error("reconciliation sweep failed", zap.String("sweep", string(sweep)), zap.Error(err))
		return result
	}

	e.logger.Info("reconciliation sweep finished",
		zap.String("sweep", string(sweep)),
		zap.Int("processed", result.Processed),
		zap.Int("repaired", result.Repaired),
		zap.Int("escalated", result.Escalated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result
}

// sweepOrphanedPayments gives every completed payment a paid order,
// synthesizing the order when none was ever written.
func (e *ReconciliationEngine) sweepOrphanedPayments(ctx context.Context, from, to time.Time, result *models.SweepResult) error {
	payments, err := e.payments.ListCompletedWithoutPaidOrder(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to list orphaned payments: %w", err)
	}

	for _, payment := range payments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Processed++

		settlement, err := e.settler.Settle(ctx, payment, false)
		switch {
		case err != nil:
			e.logger.Error("failed to repair orphaned payment",
				zap.String("payment_id", payment.ID),
				zap.String("order_number", payment.OrderReference),
				zap.Error(err))
			e.escalations.OpenTicket(ctx, models.CategoryPaymentWithoutOrder, payment.ID, payment.OrderReference,
				fmt.Sprintf("reconciliation could not settle completed payment: %v", err))
			result.Escalated++
		case settlement.Escalated:
			result.Escalated++
		case settlement.OrderCreated || settlement.OrderChanged:
			e.logger.Info("orphaned payment repaired",
				zap.String("payment_id", payment.ID),
				zap.String("order_number", settlement.Order.OrderNumber),
				zap.Bool("order_synthesized", settlement.OrderCreated),
				zap.String("final_amount", settlement.Order.FinalAmount.String()))
			result.Repaired++
		default:
			result.Skipped++
		}
	}
	return nil
}

// sweepPaidWithoutEntitlement grants what can be granted without guessing
// the package and escalates the rest.
func (e *ReconciliationEngine) sweepPaidWithoutEntitlement(ctx context.Context, from, to time.Time, result *models.SweepResult) error {
	orders, err := e.orders.ListPaidWithoutEntitlement(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to list paid orders: %w", err)
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Processed++

		_, granted, err := e.entitlements.Grant(ctx, order)
		switch {
		case errors.Is(err, ErrPackageUnresolvable):
			e.logger.Warn("paid order has no resolvable package",
				zap.String("order_number", order.OrderNumber),
				zap.Error(err))
			e.escalations.OpenTicket(ctx, models.CategoryPaidOrderWithoutEntitlement, order.PaymentRef, order.OrderNumber,
				fmt.Sprintf("package cannot be resolved: %v", err))
			result.Escalated++
		case err != nil:
			e.logger.Error("failed to grant entitlement",
				zap.String("order_number", order.OrderNumber),
				zap.Error(err))
			result.Failed++
		case granted:
			result.Repaired++
		default:
			result.Skipped++
		}
	}
	return nil
}

// sweepNoRefundPolicy completes pending or failed payments whose work has
// already started: once delivery begins the sale stands.
func (e *ReconciliationEngine) sweepNoRefundPolicy(ctx context.Context, from, to time.Time, result *models.SweepResult) error {
	if e.deliverables == nil {
		return errors.New("no deliverable lookup configured")
	}

	payments, err := e.payments.ListByStatus(ctx,
		[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusFailed}, from, to)
	if err != nil {
		return fmt.Errorf("failed to list unpaid payments: %w", err)
	}

	for _, candidate := range payments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Processed++
		log := e.logger.With(
			zap.String("payment_id", candidate.ID),
			zap.String("order_number", candidate.OrderReference))

		state, err := e.deliverables.StateForPayment(ctx, candidate.ID)
		if err != nil {
			log.Error("failed to load deliverable state", zap.Error(err))
			result.Failed++
			continue
		}
		if state != models.DeliverableStarted {
			result.Skipped++
			continue
		}

		payment, changed, err := updatePayment(ctx, e.payments, candidate.ID, func(p *models.Payment) (bool, error) {
			return p.ForceComplete("deliverable started before payment was confirmed")
		})
		if err != nil {
			// a callback moved it on in the meantime
			if errors.Is(err, models.ErrInvalidTransition) {
				result.Skipped++
				continue
			}
			log.Error("failed to force-complete payment", zap.Error(err))
			result.Failed++
			continue
		}
		if !changed {
			result.Skipped++
			continue
		}
		log.Warn("payment force-completed under no-refund policy",
			zap.String("previous_status", string(candidate.Status)))

		settlement, err := e.settler.Settle(ctx, payment, true)
		switch {
		case err != nil:
			log.Error("failed to force-pay order", zap.Error(err))
			e.escalations.OpenTicket(ctx, models.CategoryPaymentWithoutOrder, payment.ID, payment.OrderReference,
				fmt.Sprintf("payment force-completed but order could not be paid: %v", err))
			result.Escalated++
		case settlement.Escalated:
			result.Escalated++
		default:
			result.Repaired++
		}
	}
	return nil
}
