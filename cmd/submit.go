package cmd

import (
	"batchclassify/internal/application/service"
	"batchclassify/internal/application/worker"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type submitFlags struct {
	from       string
	to         string
	batchSize  int
	maxRecords int
	sources    []string
	dryRun     bool
}

func newSubmitCmd() *cobra.Command {
	var flags submitFlags

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit unclassified records as batch jobs",
		Long: `Fetch every record that is not yet classified, pack the records into
batch input files within the provider's limits, submit one job per file and
record the submitted jobs in the tracker file for the monitor to pick up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubmit(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.from, "from", "", "only records dated on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&flags.to, "to", "", "only records dated on or before YYYY-MM-DD")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "maximum records per job (lowers submit.max_records_per_batch)")
	cmd.Flags().IntVar(&flags.maxRecords, "max-records", 0, "maximum records taken by this run")
	cmd.Flags().StringSliceVar(&flags.sources, "source", nil, "only records from these sources (repeatable)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "write batch input files to the artifacts dir without submitting")
	return cmd
}

func (f submitFlags) options() (service.SubmitOptions, error) {
	opts := service.SubmitOptions{
		BatchSize:  f.batchSize,
		MaxRecords: f.maxRecords,
		DryRun:     f.dryRun,
		Filter:     outbound.RecordFilter{Sources: f.sources},
	}
	if f.batchSize < 0 || f.maxRecords < 0 {
		return opts, errors.New("--batch-size and --max-records must not be negative")
	}

	var err error
	if opts.Filter.From, err = parseDay(f.from, "--from"); err != nil {
		return opts, err
	}
	if opts.Filter.To, err = parseDay(f.to, "--to"); err != nil {
		return opts, err
	}
	if opts.Filter.From != nil && opts.Filter.To != nil && opts.Filter.To.Before(*opts.Filter.From) {
		return opts, fmt.Errorf("--to %s is before --from %s", f.to, f.from)
	}
	return opts, nil
}

func parseDay(value, flag string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD: %w", flag, err)
	}
	return &t, nil
}

func runSubmit(cmd *cobra.Command, flags submitFlags) error {
	opts, err := flags.options()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := newApplication(ctx, cfg, appOptions{needStore: true, needProvider: !opts.DryRun})
	if err != nil {
		return err
	}
	defer app.close(context.WithoutCancel(ctx))

	builder := worker.NewBatchBuilder(app.encoder(), worker.BatchBuilderConfig{
		MaxRecordsPerBatch: cfg.Submit.MaxRecordsPerBatch,
		MaxBytesPerBatch:   cfg.Submit.MaxBytesPerBatch,
	})

	var submitter service.BatchSubmitter = dryRunSubmitter{}
	if !opts.DryRun {
		submitter = worker.NewJobSubmitter(app.provider, app.errorSink, app.clock, worker.JobSubmitterConfig{
			Endpoint:         cfg.Provider.Endpoint,
			CompletionWindow: cfg.Provider.CompletionWindow,
			TaskLabel:        app.schema.Task,
			Retry:            app.providerRetry(),
			RequestTimeout:   cfg.Provider.RequestTimeout,
		})
	}

	svc := service.NewSubmissionService(
		app.store, builder, submitter, app.tracker, app.errorSink, app.artifacts, app.metrics, app.clock,
		service.SubmissionConfig{PageSize: cfg.Submit.PageSize},
	)

	report, err := svc.SubmitUnclassified(ctx, opts)
	if report != nil {
		printSubmissionReport(cmd.OutOrStdout(), report, opts.DryRun)
	}
	return err
}

// dryRunSubmitter stands in for the provider during dry runs. The
// submission service never calls it because dry runs stop after writing the
// batch files.
type dryRunSubmitter struct{}

func (dryRunSubmitter) Submit(context.Context, entity.Batch) (entity.JobHandle, error) {
	return entity.JobHandle{}, errors.New("dry run does not submit jobs")
}

func printSubmissionReport(w io.Writer, r *service.SubmissionReport, dryRun bool) {
	if r.NothingToDo() {
		fmt.Fprintln(w, "No unclassified records. Nothing to do.")
		return
	}

	fmt.Fprintf(w, "Candidates: %d\n", r.Candidates)
	fmt.Fprintf(w, "Fetched: %d\n", r.Fetched)
	fmt.Fprintf(w, "Rejected: %d\n", r.Rejected)
	if dryRun {
		fmt.Fprintf(w, "Dry run: %d batch files written\n", len(r.DryRunArtifacts))
		for _, path := range r.DryRunArtifacts {
			fmt.Fprintf(w, "  %s\n", path)
		}
		return
	}
	fmt.Fprintf(w, "Submitted: %d records in %d jobs\n", r.SubmittedRecords, len(r.JobIDs))
	fmt.Fprintf(w, "Failed: %d records\n", r.FailedRecords)
	if len(r.JobIDs) > 0 {
		fmt.Fprintf(w, "Job group: %s\n", r.GroupID)
		for _, id := range r.JobIDs {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newSubmitCmd())
}
