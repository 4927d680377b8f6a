package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/irschad/kpt/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded pipeline runs",
	}
	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := history.Open(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer hs.Close()

			runs, err := hs.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "run history database path")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.MarkFlagRequired("db")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run with its per-function results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := history.Open(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer hs.Close()

			run, results, err := hs.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Run     *history.Run
					Results []*history.RunResult
				}{run, results})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run:         %s\n", run.ID)
			fmt.Fprintf(w, "Root:        %s\n", run.Root)
			fmt.Fprintf(w, "State:       %s\n", run.State)
			fmt.Fprintf(w, "Exit code:   %d\n", run.ExitCode)
			fmt.Fprintf(w, "Started:     %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Duration:    %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
			fmt.Fprintf(w, "Invocations: %d (%d deferred, %d failed)\n", run.Invocations, run.Deferred, run.Failed)
			if len(results) > 0 {
				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tFUNCTION\tEXIT\tSEVERITY\tITEMS")
				for _, r := range results {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\n", r.SequenceIndex, r.Name, r.ExitCode, r.Severity, r.Items)
				}
				tw.Flush()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "run history database path")
	cmd.MarkFlagRequired("db")

	return cmd
}

func printRuns(w io.Writer, runs []*history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no recorded runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATE\tEXIT\tINVOCATIONS\tSTARTED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			run.ID, run.State, run.ExitCode, run.Invocations,
			run.StartedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}
