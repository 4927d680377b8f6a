package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/store"
	"github.com/irschad/kpt/pkg/telemetry"

	"github.com/rs/zerolog/log"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan DIR",
		Short: "Show the execution plan for a resource tree",
		Long: `Plan discovers function declarations under DIR and prints the
invocations in the order a run would execute them, without invoking
anything. Ordering is deterministic: functions declared in nested
directories run before functions declared in enclosing directories.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]

			dirStore := store.NewDirStore(root, telemetry.ComponentLogger(log.Logger, "store"))
			collection, err := dirStore.Load(cmd.Context())
			if err != nil {
				return err
			}

			plan, err := pipeline.NewDiscoverer().Discover(collection)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printPlanJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
	return cmd
}

func printPlan(w io.Writer, plan *pipeline.ExecutionPlan) {
	if len(plan.Invocations) == 0 {
		fmt.Fprintln(w, "no function declarations found")
		return
	}
	for _, inv := range plan.Invocations {
		fmt.Fprintf(w, "%3d  %-40s scope=%s", inv.SequenceIndex, inv.Declaration.Name(), inv.AnchorDir)
		if inv.Declaration.DeferFailure {
			fmt.Fprint(w, "  deferFailure")
		}
		if inv.Declaration.Timeout > 0 {
			fmt.Fprintf(w, "  timeout=%s", inv.Declaration.Timeout)
		}
		fmt.Fprintln(w)
	}
}

type planEntry struct {
	SequenceIndex int    `json:"sequenceIndex"`
	Function      string `json:"function"`
	Scope         string `json:"scope"`
	Source        string `json:"source"`
	DeferFailure  bool   `json:"deferFailure,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

func printPlanJSON(w io.Writer, plan *pipeline.ExecutionPlan) error {
	entries := make([]planEntry, 0, len(plan.Invocations))
	for _, inv := range plan.Invocations {
		entry := planEntry{
			SequenceIndex: inv.SequenceIndex,
			Function:      inv.Declaration.Name(),
			Scope:         inv.AnchorDir,
			Source:        inv.Source.Provenance.Path,
			DeferFailure:  inv.Declaration.DeferFailure,
		}
		if inv.Declaration.Timeout > 0 {
			entry.Timeout = inv.Declaration.Timeout.String()
		}
		entries = append(entries, entry)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
