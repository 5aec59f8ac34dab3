package cmd

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/dispatch/internal/config"
	"github.com/harrison/dispatch/internal/history"
	"github.com/harrison/dispatch/internal/store"
)

// NewTasksCommand creates the 'dispatch tasks' command group
func NewTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect task records and execution history",
		RunE:  runTasksList,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show execution history statistics",
		RunE:  runTasksStats,
	})
	return cmd
}

func runTasksList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tasks, err := store.ReadAll(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("read task records: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No task records found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATE\tUPDATED\tARTIFACTS\tMESSAGE")
	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			task.ID,
			task.Status.State,
			task.Status.Timestamp.Format("2006-01-02 15:04:05"),
			len(task.Artifacts),
			truncate(task.Status.Message, 60),
		)
	}
	return w.Flush()
}

func runTasksStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	journal, err := history.Open(cfg.ResolvedHistoryDBPath())
	if err != nil {
		return fmt.Errorf("open history journal: %w", err)
	}
	defer journal.Close()

	stats, err := journal.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Total executions: %d\n", stats.Total)
	states := make([]string, 0, len(stats.ByState))
	for state := range stats.ByState {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d\n", state, stats.ByState[state])
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	return config.Load(configPath)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
