package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/dispatch/internal/history"
	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/store"
)

// NewCleanupCommand creates the 'dispatch cleanup' command
func NewCleanupCommand() *cobra.Command {
	var keep int
	var pruneHistory time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old finished task records",
		Long: `Remove finished task records from the workspace, keeping the most
recently updated ones. Requires exclusive access to the workspace, so stop
the agent first. Optionally prunes old execution history entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep") {
				keep = cfg.Retention.KeepRecent
			}

			taskStore, err := store.New(cfg.Workspace, logger.Discard())
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer taskStore.Close()

			removed := taskStore.Cleanup(keep)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d task records (kept %d most recent)\n", removed, keep)

			if pruneHistory > 0 {
				journal, err := history.Open(cfg.ResolvedHistoryDBPath())
				if err != nil {
					return fmt.Errorf("open history journal: %w", err)
				}
				defer journal.Close()

				pruned, err := journal.Prune(context.Background(), pruneHistory)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d history entries older than %v\n", pruned, pruneHistory)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 10, "number of recent finished tasks to retain")
	cmd.Flags().DurationVar(&pruneHistory, "prune-history", 0, "also prune history entries older than this (e.g. 720h)")
	return cmd
}
