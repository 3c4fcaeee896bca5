package cmd

import (
	"batchclassify/internal/application/service"
	"batchclassify/internal/port/outbound"
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var remote int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked job groups and their remote status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, remote)
		},
	}

	cmd.Flags().IntVar(&remote, "remote", 0, "also list the provider's N most recent batches")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Ask the provider to cancel a batch job",
		Long: `Request cancellation of a remote batch job. The job stays tracked; the
monitor resolves it once the provider reports it cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeApp, err := newStatusService(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			job, err := svc.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func newStatusService(cmd *cobra.Command) (*service.StatusService, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	app, err := newApplication(ctx, cfg, appOptions{needProvider: true})
	if err != nil {
		return nil, nil, err
	}
	svc := service.NewStatusService(app.tracker, app.provider, cfg.Provider.RequestTimeout)
	return svc, func() { app.close(context.WithoutCancel(ctx)) }, nil
}

func runStatus(cmd *cobra.Command, remote int) error {
	svc, closeApp, err := newStatusService(cmd)
	if err != nil {
		return err
	}
	defer closeApp()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	groups, err := svc.Tracked(ctx)
	if err != nil {
		return err
	}
	printGroups(out, groups)

	if remote > 0 {
		jobs, err := svc.Recent(ctx, remote)
		if err != nil {
			return err
		}
		printRecent(out, jobs)
	}
	return nil
}

func printGroups(w io.Writer, groups []service.GroupStatusView) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No tracked jobs.")
		return
	}

	for _, g := range groups {
		fmt.Fprintf(w, "Group %s (created %s, %d jobs)\n", g.GroupID, g.CreatedAt.Format(time.RFC3339), len(g.Jobs))
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  JOB\tSTATUS\tCOMPLETED\tFAILED\tTOTAL")
		for _, j := range g.Jobs {
			if j.Err != nil {
				fmt.Fprintf(tw, "  %s\terror: %v\t\t\t\n", j.JobID, j.Err)
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%d\n", j.JobID, j.Status,
				j.RequestCounts.Completed, j.RequestCounts.Failed, j.RequestCounts.Total)
		}
		_ = tw.Flush()
	}
}

func printRecent(w io.Writer, jobs []*outbound.BatchJob) {
	fmt.Fprintf(w, "\nRecent remote batches (%d)\n", len(jobs))
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  JOB\tSTATUS\tCREATED\tCOMPLETED\tFAILED\tTOTAL\tDESCRIPTION")
	for _, j := range jobs {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%d\t%s\n", j.ID, j.Status, j.CreatedAt.Format(time.RFC3339),
			j.RequestCounts.Completed, j.RequestCounts.Failed, j.RequestCounts.Total, j.Metadata["description"])
	}
	_ = tw.Flush()
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCancelCmd())
}
