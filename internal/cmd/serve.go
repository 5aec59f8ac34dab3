package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/dispatch/internal/delegate"
	"github.com/harrison/dispatch/internal/engine"
	"github.com/harrison/dispatch/internal/history"
	"github.com/harrison/dispatch/internal/llm"
	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/server"
	"github.com/harrison/dispatch/internal/store"
	"github.com/harrison/dispatch/internal/terminal"
)

// NewServeCommand creates the 'dispatch serve' command
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: HTTP boundary, task engine and execution session",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(os.Stdout, cfg.LogLevel, cfg.Name)
	log.Infof("starting %s agent (%s)", cfg.Name, cfg.Role)

	taskStore, err := store.New(cfg.Workspace, log)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer taskStore.Close()

	journal, err := history.Open(cfg.ResolvedHistoryDBPath())
	if err != nil {
		return fmt.Errorf("open history journal: %w", err)
	}
	defer journal.Close()

	session, err := terminal.NewSession(cfg.Workspace, cfg.Name, cfg.ClaudePath, log)
	if err != nil {
		return fmt.Errorf("create execution session: %w", err)
	}
	if err := session.Start(); err != nil {
		return fmt.Errorf("start execution session: %w", err)
	}
	defer func() {
		if err := session.Stop(); err != nil {
			log.Errorf("stop execution session: %v", err)
		}
	}()

	invoker := llm.NewInvoker()
	invoker.ClaudePath = cfg.ClaudePath
	invoker.Timeout = cfg.AnalysisTimeout
	analyzer := llm.NewAnalyzer(invoker, log)

	communicator := delegate.NewCommunicator(cfg.Registry, cfg.DelegationTimeout, log)

	updates := server.NewBroadcaster()

	eng := engine.New(engine.Config{
		Role:               cfg.Role,
		Capabilities:       cfg.Capabilities,
		RelatedAgents:      communicator.Agents(),
		QueueCapacity:      cfg.QueueCapacity,
		MonitorInterval:    cfg.Monitor.Interval,
		MonitorMaxDuration: cfg.Monitor.MaxDuration,
		RetentionKeep:      cfg.Retention.KeepRecent,
	}, taskStore, session, analyzer, communicator, journal, updates, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown: stop accepting, drain the in-flight task.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("received interrupt, shutting down")
		cancel()
	}()

	eng.Start(ctx)

	srv := server.New(server.Config{
		Name:          cfg.Name,
		Role:          cfg.Role,
		Capabilities:  cfg.Capabilities,
		ListenAddr:    fmt.Sprintf(":%d", cfg.Port),
		MessageWait:   cfg.Monitor.MaxDuration + time.Minute,
		RetentionKeep: cfg.Retention.KeepRecent,
	}, eng, taskStore, updates, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		cancel()
		eng.Wait()
		return err
	case <-ctx.Done():
		eng.Wait()
		return nil
	}
}
