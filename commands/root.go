// Package commands implements the projsync command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// RootCmd is the projsync entry point.
var RootCmd = &cobra.Command{
	Use:   "projsync",
	Short: "Share project directories between two peers",
	Long: `projsync negotiates shared project directories between two devices.

The sharing side offers its directories and streams whatever the joining
side is missing. The joining side aligns its folder structure with the
offer, moves stale files into .projsync/history and receives new content.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default: per-user data directory)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	RootCmd.AddCommand(ShareCmd)
	RootCmd.AddCommand(JoinCmd)
	RootCmd.AddCommand(HistoryCmd)
	RootCmd.AddCommand(VersionCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
