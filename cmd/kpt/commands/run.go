package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/irschad/kpt/pkg/config"
	"github.com/irschad/kpt/pkg/history"
	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
	"github.com/irschad/kpt/pkg/runner"
	"github.com/irschad/kpt/pkg/store"
	"github.com/irschad/kpt/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		resultsDir   string
		timeoutStr   string
		dryRun       bool
		allowNetwork bool
		allowExec    bool
		historyDB    string
		traceRun     bool
	)

	cmd := &cobra.Command{
		Use:   "run DIR",
		Short: "Run the function pipeline over a resource tree",
		Long: `Run loads every YAML resource under DIR, discovers function
declarations, and executes the resulting plan invocation by invocation.
The tree is rewritten only when the whole run commits; an aborted run
leaves every file untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]

			settings, err := loadSettings(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("results-dir") {
				settings.ResultsDir = resultsDir
			}
			if cmd.Flags().Changed("timeout") {
				settings.Timeout = timeoutStr
			}
			if cmd.Flags().Changed("network") {
				settings.AllowNetwork = allowNetwork
			}
			if cmd.Flags().Changed("allow-exec") {
				settings.AllowExec = allowExec
			}
			if cmd.Flags().Changed("history-db") {
				settings.HistoryDB = historyDB
			}

			timeout, err := settings.InvocationTimeout()
			if err != nil {
				return fmt.Errorf("invalid timeout %q: %w", settings.Timeout, err)
			}

			logger := log.Logger
			dirStore := store.NewDirStore(root, telemetry.ComponentLogger(logger, "store"))

			ctx := cmd.Context()
			collection, err := dirStore.Load(ctx)
			if err != nil {
				return err
			}

			plan, err := pipeline.NewDiscoverer().Discover(collection)
			if err != nil {
				return err
			}
			if len(plan.Invocations) == 0 {
				log.Info().Str("root", root).Msg("no function declarations found")
				return nil
			}
			if dryRun {
				if jsonOutput {
					return printPlanJSON(cmd.OutOrStdout(), plan)
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			}

			execOpts := []pipeline.ExecutorOption{
				pipeline.WithLogger(telemetry.ComponentLogger(logger, "pipeline")),
				pipeline.WithDefaultTimeout(timeout),
			}
			var tracer *telemetry.Tracer
			if traceRun {
				cfg := telemetry.DefaultConfig()
				cfg.Tracing.Enabled = true
				cfg.Tracing.Exporter = "stdout"
				tracer, err = telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cmd.Root().Version)
				if err != nil {
					return fmt.Errorf("initializing tracer: %w", err)
				}
				defer tracer.Shutdown(ctx)
				execOpts = append(execOpts, pipeline.WithTracer(tracer.Tracer()))
			}

			dispatcher := runner.New(root,
				runner.WithAllowExec(settings.AllowExec),
				runner.WithAllowNetwork(settings.AllowNetwork),
				runner.WithRunnerLogger(telemetry.ComponentLogger(logger, "runner")),
			)

			executor := pipeline.NewExecutor(dispatcher, execOpts...)
			result := executor.Execute(ctx, collection, plan)

			if result.State == pipeline.RunCommitted {
				if err := dirStore.Write(ctx, result.Collection); err != nil {
					return err
				}
			}
			if settings.ResultsDir != "" && len(result.Results) > 0 {
				sink := store.NewDirResultSink(settings.ResultsDir, telemetry.ComponentLogger(logger, "results"))
				if err := sink.Write(ctx, result.Results); err != nil {
					return err
				}
			}
			if settings.HistoryDB != "" {
				if err := recordHistory(ctx, settings.HistoryDB, result, root, plan); err != nil {
					log.Warn().Err(err).Msg("failed to record run history")
				}
			}

			if jsonOutput {
				if err := printSummaryJSON(cmd.OutOrStdout(), result, plan); err != nil {
					return err
				}
			} else {
				printSummary(cmd.OutOrStdout(), result, plan)
			}

			if result.Err != nil {
				return result.Err
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("pipeline finished with failures")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&resultsDir, "results-dir", "", "directory for result artifacts")
	cmd.Flags().StringVar(&timeoutStr, "timeout", "", "default per-invocation timeout (e.g. 2m)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the execution plan without running it")
	cmd.Flags().BoolVar(&allowNetwork, "network", false, "allow container functions network access")
	cmd.Flags().BoolVar(&allowExec, "allow-exec", false, "allow local executable functions")
	cmd.Flags().StringVar(&historyDB, "history-db", "", "sqlite database recording run history")
	cmd.Flags().BoolVar(&traceRun, "trace", false, "emit spans for the run to stdout")

	return cmd
}

// loadSettings reads the settings file for a tree. The --settings flag
// overrides the conventional <dir>/kpt.cue location.
func loadSettings(root string) (config.Settings, error) {
	path := settingsPath
	if path == "" {
		path = filepath.Join(root, config.DefaultFileName)
	}
	return config.Load(path)
}

func recordHistory(ctx context.Context, dbPath string, result *pipeline.RunResult, root string, plan *pipeline.ExecutionPlan) error {
	hs, err := history.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer hs.Close()
	return hs.RecordRun(ctx, result.Record(root, plan))
}

func printSummary(w io.Writer, result *pipeline.RunResult, plan *pipeline.ExecutionPlan) {
	for _, set := range result.Results {
		for _, item := range set.Items {
			fmt.Fprintf(w, "[%s] %s: %s\n", item.Severity, set.Name, item.Message)
		}
	}
	deferred := 0
	for _, inv := range plan.Invocations {
		if inv.State == pipeline.StateDeferred {
			deferred++
		}
	}
	switch result.State {
	case pipeline.RunCommitted:
		if deferred > 0 {
			fmt.Fprintf(w, "run %s committed with %d deferred failure(s)\n", result.RunID, deferred)
		} else {
			fmt.Fprintf(w, "run %s committed, %d invocation(s)\n", result.RunID, len(plan.Invocations))
		}
	case pipeline.RunAborted:
		fmt.Fprintf(w, "run %s aborted, tree left unchanged\n", result.RunID)
	}
}

type runSummary struct {
	RunID       string               `json:"runId"`
	State       string               `json:"state"`
	ExitCode    int                  `json:"exitCode"`
	Invocations int                  `json:"invocations"`
	Deferred    int                  `json:"deferred"`
	Results     []resource.ResultSet `json:"results,omitempty"`
}

func buildRunSummary(result *pipeline.RunResult, plan *pipeline.ExecutionPlan) runSummary {
	deferred := 0
	for _, inv := range plan.Invocations {
		if inv.State == pipeline.StateDeferred {
			deferred++
		}
	}
	return runSummary{
		RunID:       result.RunID,
		State:       string(result.State),
		ExitCode:    result.ExitCode,
		Invocations: len(plan.Invocations),
		Deferred:    deferred,
		Results:     result.Results,
	}
}

func printSummaryJSON(w io.Writer, result *pipeline.RunResult, plan *pipeline.ExecutionPlan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buildRunSummary(result, plan))
}
