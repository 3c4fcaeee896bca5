package cmd

import (
	"batchclassify/internal/application/worker"
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch JOB_ID",
		Short: "Process one batch job by id without using the tracker",
		Long: `Check a single remote batch job. If it completed, its results are
downloaded, parsed and written to the record store; if it failed, the failure
is logged. The tracker is neither read nor changed, so this recovers jobs that
were created but never tracked. A tracked job processed this way is checked
again by the next monitor cycle, which is safe because writes are idempotent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0])
		},
	}
}

func runFetch(cmd *cobra.Command, jobID string) error {
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

	monitor, err := app.newMonitor(ctx, worker.MonitorConfig{HandleTimeout: cfg.Monitor.HandleTimeout}, false)
	if err != nil {
		return err
	}

	report, err := monitor.ProcessJob(ctx, jobID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job: %s\nStatus: %s\nRecords persisted: %d\nRecord errors: %d\n",
		report.JobID, report.Status, report.RecordsPersisted, report.RecordErrors)
	switch {
	case report.Failed:
		fmt.Fprintln(out, "Job failed; its records stay unclassified.")
	case !report.Resolved && report.Status.IsCompleted():
		return fmt.Errorf("results of job %s could not be stored, see the error log in %s", jobID, cfg.Artifacts.Dir)
	case !report.Resolved:
		fmt.Fprintln(out, "Job is still running; nothing was fetched.")
	}
	return nil
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newFetchCmd())
}
