// Package commands wires the kpt CLI: discovering and running declared
// config functions over a resource tree, printing execution plans, watching
// a tree during development, and inspecting run history.
package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kpt",
		Short: "kpt - config function pipeline orchestrator",
		Long: `kpt discovers function declarations inside a tree of configuration
resources and runs each declared function over its directory scope,
chaining invocations sequentially and merging their output back into
the tree.

Functions are external programs (container images, executables,
Starlark scripts or WASI modules) that read a resource list on their
input channel and write a transformed list back. The orchestrator
never interprets resource semantics: unknown fields pass through
every invocation untouched.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "settings file path (default <dir>/kpt.cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
