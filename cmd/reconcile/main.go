// cmd/reconcile/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"payment-reconciliation/internal/app"
	"payment-reconciliation/internal/config"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/service"
	"payment-reconciliation/pkg/logger"
)

type options struct {
	configPath string
	sinceDays  int
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run every reconciliation sweep once and print a summary",
		Long: `Repairs payments and orders that drifted apart:
  orphaned_payments         completed payments without a paid order
  paid_without_entitlement  paid orders that never granted their package
  no_refund_policy          deliverables started before payment confirmation

Escalations are reported but do not change the exit status.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts, nil)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	rootCmd.PersistentFlags().IntVar(&opts.sinceDays, "since", 0, "look back this many days (defaults to reconcile.window_days)")

	rootCmd.AddCommand(&cobra.Command{
		Use:          "enforce-no-refund-policy",
		Short:        "Complete payments whose deliverable already started",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts, []models.Sweep{models.SweepNoRefundPolicy})
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opts *options, sweeps []models.Sweep) error {
	if opts.sinceDays < 0 {
		return fmt.Errorf("--since must not be negative")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Service: cfg.ServiceName + "-cli", Environment: cfg.Environment, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer log.Sync()

	application, err := app.New(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	report, err := application.Reconciler.Run(ctx, service.ReconcileOptions{
		Since:   time.Duration(opts.sinceDays) * 24 * time.Hour,
		Sweeps:  sweeps,
		Trigger: service.TriggerCLI,
	})
	if err != nil {
		log.Error("reconciliation failed", zap.Error(err))
		return err
	}

	printReport(out, report)
	return nil
}

func printReport(out io.Writer, report *models.ReconciliationReport) {
	fmt.Fprintln(out, "Reconciliation Report")
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintf(out, "Window:   %s .. %s\n", report.From.Format(time.RFC3339), report.To.Format(time.RFC3339))
	fmt.Fprintf(out, "Duration: %s\n\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	fmt.Fprintf(out, "%-26s %9s %8s %9s %7s %6s\n", "SWEEP", "PROCESSED", "REPAIRED", "ESCALATED", "SKIPPED", "FAILED")
	for _, s := range report.Sweeps {
		fmt.Fprintf(out, "%-26s %9d %8d %9d %7d %6d\n", s.Sweep, s.Processed, s.Repaired, s.Escalated, s.Skipped, s.Failed)
		if s.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", s.Error)
		}
	}
	t := report.Totals()
	fmt.Fprintf(out, "%-26s %9d %8d %9d %7d %6d\n", "TOTAL", t.Processed, t.Repaired, t.Escalated, t.Skipped, t.Failed)

	if t.Escalated > 0 {
		fmt.Fprintf(out, "\n%d item(s) escalated to the support queue\n", t.Escalated)
	}
}
