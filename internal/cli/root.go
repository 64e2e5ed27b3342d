// Package cli implements the dispatch command.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Durable task dispatcher for file, clock and chat requests",
	Long: `Dispatch turns free-form requests into durable tasks, classifies them,
and runs them on a pool of workers with retries, timeouts and cancellation.
Tasks survive worker restarts and resume from their last checkpoint.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.toml or .yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(demoCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
