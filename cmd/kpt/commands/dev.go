package commands

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/runner"
	"github.com/irschad/kpt/pkg/store"
	"github.com/irschad/kpt/pkg/telemetry"
)

// devDebounce coalesces editor save bursts into a single re-run.
const devDebounce = 500 * time.Millisecond

func newDevCommand() *cobra.Command {
	var (
		metricsAddr string
		allowExec   bool
	)

	cmd := &cobra.Command{
		Use:   "dev DIR",
		Short: "Watch a resource tree and re-run the pipeline on change",
		Long: `Dev runs the pipeline once, then watches DIR for YAML changes and
re-runs on every save. Rapid bursts of writes are coalesced. Runs never
modify files during dev mode: each run works on an in-memory copy and
only results are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			ctx := cmd.Context()

			settings, err := loadSettings(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("allow-exec") {
				settings.AllowExec = allowExec
			}
			timeout, err := settings.InvocationTimeout()
			if err != nil {
				return fmt.Errorf("invalid timeout %q: %w", settings.Timeout, err)
			}

			var metrics *telemetry.Metrics
			if metricsAddr != "" {
				metrics = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, ListenAddr: metricsAddr})
				if err := metrics.StartServer(); err != nil {
					return fmt.Errorf("starting metrics listener: %w", err)
				}
				defer metrics.Close()
			}

			dispatcher := runner.New(root,
				runner.WithAllowExec(settings.AllowExec),
				runner.WithAllowNetwork(settings.AllowNetwork),
				runner.WithRunnerLogger(telemetry.ComponentLogger(log.Logger, "runner")),
			)
			executor := pipeline.NewExecutor(dispatcher,
				pipeline.WithLogger(telemetry.ComponentLogger(log.Logger, "pipeline")),
				pipeline.WithMetrics(metrics),
				pipeline.WithDefaultTimeout(timeout),
			)

			runOnce := func() {
				dirStore := store.NewDirStore(root, telemetry.ComponentLogger(log.Logger, "store"))
				collection, err := dirStore.Load(ctx)
				if err != nil {
					log.Error().Err(err).Msg("failed to load resources")
					return
				}
				plan, err := pipeline.NewDiscoverer().Discover(collection)
				if err != nil {
					log.Error().Err(err).Msg("failed to build execution plan")
					return
				}
				if len(plan.Invocations) == 0 {
					log.Info().Msg("no function declarations found")
					return
				}
				result := executor.Execute(ctx, collection, plan)
				printSummary(cmd.OutOrStdout(), result, plan)
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("creating watcher: %w", err)
			}
			defer watcher.Close()
			if err := watchTree(watcher, root); err != nil {
				return err
			}

			log.Info().Str("root", root).Msg("watching for changes")
			runOnce()
			return watchLoop(ctx, watcher, runOnce)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose prometheus metrics on this address")
	cmd.Flags().BoolVar(&allowExec, "allow-exec", false, "allow local executable functions")

	return cmd
}

// watchTree registers the root and every non-hidden subdirectory.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// watchLoop re-runs after each quiet period. Newly created directories are
// added to the watcher so nested declarations get picked up.
func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, run func()) error {
	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				// Best effort; the path may already be gone.
				_ = watcher.Add(event.Name)
			}
			if !isRelevantEvent(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(devDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			run()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")
		}
	}
}

func isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	return ext == ".yaml" || ext == ".yml" || filepath.Ext(event.Name) == ""
}
