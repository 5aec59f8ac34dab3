// Package cmd defines the dispatch CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for dispatch
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Per-agent task execution engine",
		Long: `Dispatch runs a single specialist agent: it accepts tasks over HTTP,
analyzes them, coordinates with peer agents when needed, and executes
them through a long-lived Claude Code session, one task at a time.

Task state is persisted in the agent workspace and survives restarts.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "dispatch.yaml", "path to the agent configuration file")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewTasksCommand())
	cmd.AddCommand(NewCleanupCommand())

	return cmd
}
