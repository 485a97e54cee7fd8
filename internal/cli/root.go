// Package cli implements the dxpipe command line: starting runs, reviewing
// checkpoints, exporting feedback, and reading the audit surfaces.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dxpipe/pkg/checkpoint"
	"dxpipe/pkg/config"
	"dxpipe/pkg/persistence"
)

var version = "dev"

// SetVersion records the build version for the version command.
func SetVersion(v string) {
	version = v
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dxpipe",
	Short: "dxpipe — diagnostic pipeline orchestration",
	Long: `dxpipe drives patient data through a staged diagnostic pipeline with
mandatory human review checkpoints, confidence-gated iteration, and
concurrent evidence-tool batches.

Run state, checkpoints, and reviewer feedback live in a SQLite database;
lifecycle events append to a JSONL audit log. A parked run survives process
restarts and resumes from its checkpoint.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command under a lifecycle context so signal
// cancellation reaches in-flight stages.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to dxpipe.yaml (default: $DXPIPE_CONFIG, then ./"+config.ConfigFilename+")")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(metricsCmd)
}

// loadCLIConfig resolves the config file from the flag, the environment, or
// the working directory, falling back to defaults when none exists.
func loadCLIConfig() (*config.Config, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the run store for commands that only read or decide,
// without building the full kernel.
func openStore() (*config.Config, *persistence.Store, func(), error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := persistence.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open run store at %s: %w", cfg.Storage.Path, err)
	}
	return cfg, store, func() { _ = store.Close() }, nil
}

// openManager opens the checkpoint manager over the run store.
func openManager() (*config.Config, *checkpoint.Manager, func(), error) {
	cfg, store, cleanup, err := openStore()
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, checkpoint.NewManager(store), cleanup, nil
}
