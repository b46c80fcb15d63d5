// Package commands implements the Polar Express CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// Version, Commit, and Date are set from main via ldflags-injected values.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "polarexpress",
	Short: "Back up a local directory tree to cold storage",
	Long: `Polar Express backs up a local directory tree to a cold-storage
archive service (Amazon Glacier). It snapshots file metadata and content,
deduplicates blocks against a local catalog, packages new blocks into
encrypted bundles, and uploads them.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(versionCmd)
}
