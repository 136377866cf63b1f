package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List sync and setup runs recorded in the history database, newest
first. Use "history show" for the full report and event log of one run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				runs, err := a.history.Runs(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, runs)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTARTED\tSCOPE\tSTATUS\t+\t-\t~\tCAPTURED\tSKIPPED\tFAILED")
				for _, r := range runs {
					status := r.Status
					if r.DryRun {
						status += " (dry run)"
					}
					fmt.Fprintf(tw, "%.8s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
						r.ID, r.StartedAt.Local().Format(time.DateTime), r.Scope, status,
						r.Installed, r.Removed, r.Updated, r.Captured, r.Skipped, r.Failed)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a run",
		Long:  `Show the report of a run. The ID may be shortened to a unique prefix.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report, err := a.history.Report(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printReport(os.Stdout, report); err != nil {
					return err
				}
				if !events || jsonOutput {
					return nil
				}

				entries, err := a.history.Events(ctx, report.RunID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "\nEvents (%d):\n", len(entries))
				for _, e := range entries {
					subject := ""
					if e.Subject != nil {
						subject = *e.Subject
					}
					fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Type, subject, e.Message)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVarP(&events, "events", "e", false, "include the event log")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.history.Prune(ctx, olderThan)
				if err != nil {
					return err
				}
				log.Info().Int64("runs", n).Dur("older_than", olderThan).Msg("Pruned history")
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "delete runs started before this age")

	return cmd
}
