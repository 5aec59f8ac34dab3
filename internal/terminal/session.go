// Package terminal controls the long-lived Claude Code session that executes
// tasks. The session runs inside tmux; commands go in via send-keys and
// progress comes back out via capture-pane. There is no synchronous return
// channel, which is why the engine infers completion from marker files.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/harrison/dispatch/internal/logger"
)

// Session drives one Claude Code CLI instance inside a detached tmux session.
// It is a process-wide singleton per agent: exactly one task may hold it at a
// time, which the engine's gate enforces.
type Session struct {
	workspace   string
	sessionName string
	claudePath  string
	startupWait time.Duration
	log         logger.Logger

	running bool
}

// NewSession creates a controller for agent's execution session rooted at
// workspace. The tmux session is named claude-<agent>.
func NewSession(workspace, agent, claudePath string, log logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Discard()
	}

	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	if claudePath == "" {
		claudePath = "claude"
	}

	return &Session{
		workspace:   abs,
		sessionName: "claude-" + agent,
		claudePath:  claudePath,
		startupWait: 5 * time.Second,
		log:         log,
	}, nil
}

// Workspace returns the absolute workspace directory.
func (s *Session) Workspace() string {
	return s.workspace
}

// Start creates the tmux session and launches the claude CLI in it. Starting
// an already-running session, or adopting one left over from a previous
// process, is not an error.
func (s *Session) Start() error {
	if s.running {
		return nil
	}

	if s.sessionExists() {
		s.log.Warnf("tmux session %s already exists, adopting it", s.sessionName)
		s.running = true
		return nil
	}

	if err := run("tmux", "new-session", "-d", "-s", s.sessionName, "-c", s.workspace); err != nil {
		return fmt.Errorf("create tmux session: %w", err)
	}
	if err := run("tmux", "send-keys", "-t", s.sessionName, s.claudePath, "Enter"); err != nil {
		return fmt.Errorf("launch claude in session: %w", err)
	}

	s.log.Infof("waiting %s for claude to initialize", s.startupWait)
	time.Sleep(s.startupWait)

	s.running = true
	s.log.Infof("execution session started: %s", s.sessionName)
	return nil
}

// Stop kills the tmux session. Stopping an already-stopped session is fine.
func (s *Session) Stop() error {
	if !s.running && !s.sessionExists() {
		return nil
	}

	if err := run("tmux", "kill-session", "-t", s.sessionName); err != nil {
		if strings.Contains(err.Error(), "session not found") {
			s.running = false
			return nil
		}
		return fmt.Errorf("kill tmux session: %w", err)
	}

	s.running = false
	s.log.Infof("execution session stopped: %s", s.sessionName)
	return nil
}

// Send delivers an instruction to the session followed by Enter. This is
// fire-and-forget: success only means tmux accepted the keystrokes.
func (s *Session) Send(instruction string) error {
	if !s.running {
		return fmt.Errorf("session %s is not running", s.sessionName)
	}
	if err := run("tmux", "send-keys", "-t", s.sessionName, instruction, "Enter"); err != nil {
		return fmt.Errorf("send instruction: %w", err)
	}
	return nil
}

// CaptureOutput returns up to maxLines of recent pane output.
func (s *Session) CaptureOutput(maxLines int) (string, error) {
	out, err := exec.Command(
		"tmux", "capture-pane", "-t", s.sessionName, "-p", "-S", fmt.Sprintf("-%d", maxLines),
	).Output()
	if err != nil {
		return "", fmt.Errorf("capture pane: %w", err)
	}
	return string(out), nil
}

func (s *Session) sessionExists() bool {
	return exec.Command("tmux", "has-session", "-t", s.sessionName).Run() == nil
}

func run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
