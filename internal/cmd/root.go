// Package cmd provides the CLI commands for the strata tool.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata document-store indexing engine",
	Long: `Strata maintains secondary indexes over an append-only document log:
ordered database indexes, full-text search indexes, and vector indexes
backed by immutable on-disk segments.

Commands are idempotent; exit code 0 on success, nonzero otherwise.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: environment only)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
