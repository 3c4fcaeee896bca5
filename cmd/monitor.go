package cmd

import (
	"batchclassify/internal/application/parser"
	"batchclassify/internal/application/worker"
	"batchclassify/internal/port/outbound"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

func newMonitorCmd() *cobra.Command {
	var (
		once         bool
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll tracked jobs and persist results of completed ones",
		Long: `Check every tracked job, download and parse the results of completed
jobs, write them to the record store and stop tracking resolved jobs. Without
--once the monitor keeps polling until nothing is tracked or it is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd, once, pollInterval)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "time between cycles (default monitor.poll_interval)")
	return cmd
}

func runMonitor(cmd *cobra.Command, once bool, pollInterval time.Duration) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := newApplication(ctx, cfg, appOptions{needStore: true, needProvider: true})
	if err != nil {
		return err
	}
	defer app.close(context.WithoutCancel(ctx))

	monitorCfg := worker.MonitorConfig{
		PollInterval:        cfg.Monitor.PollInterval,
		MaxConcurrentGroups: cfg.Monitor.MaxConcurrentGroups,
		HandleTimeout:       cfg.Monitor.HandleTimeout,
	}
	if pollInterval > 0 {
		monitorCfg.PollInterval = pollInterval
	}

	monitor, err := app.newMonitor(ctx, monitorCfg, true)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if once {
		report, err := monitor.RunOnce(ctx)
		fmt.Fprintf(out, "Resolved: %d\nPending: %d\nNewly failed: %d\nRecords persisted: %d\nRecord errors: %d\n",
			report.Resolved, report.Pending, report.NewlyFailed, report.RecordsPersisted, report.RecordErrors)
		if report.Skipped {
			fmt.Fprintln(out, "Another monitor holds the lease; cycle skipped.")
		}
		return err
	}

	summary, err := monitor.Run(ctx)
	fmt.Fprintf(out, "Cycles: %d\nResolved: %d\nPending: %d\nNewly failed: %d\nRecords persisted: %d\nRecord errors: %d\n",
		summary.Cycles, summary.Resolved, summary.Pending, summary.NewlyFailed, summary.RecordsPersisted, summary.RecordErrors)
	return err
}

// newMonitor wires a monitor over the application's adapters. The lease is
// only needed when tracked groups are processed.
func (a *application) newMonitor(ctx context.Context, monitorCfg worker.MonitorConfig, withLease bool) (*worker.Monitor, error) {
	resultParser, err := parser.NewResultParser(a.schema, a.clock)
	if err != nil {
		return nil, err
	}
	publisher, err := a.newPublisher(ctx)
	if err != nil {
		return nil, err
	}
	var lease outbound.MonitorLease
	if withLease {
		if lease, err = a.newLease(ctx); err != nil {
			return nil, err
		}
	}

	return worker.NewMonitor(worker.MonitorDeps{
		Tracker:   a.tracker,
		Provider:  a.provider,
		Fetcher:   worker.NewResultFetcher(a.provider, a.artifacts),
		Parser:    resultParser,
		Persister: worker.NewPersister(a.store, a.artifacts, a.clock, worker.PersisterConfig{}),
		ErrorSink: a.errorSink,
		Publisher: publisher,
		Lease:     lease,
		Metrics:   a.metrics,
		Tracer:    otel.Tracer("batchclassify/worker"),
		Clock:     a.clock,
	}, monitorCfg)
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newMonitorCmd())
}
