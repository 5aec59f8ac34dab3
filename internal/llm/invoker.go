// Package llm provides the Claude CLI completion client and the task
// analyzer built on top of it.
package llm

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// DefaultSystemPrompt keeps analysis responses machine-parseable. Agents that
// drift into prose break the JSON extraction downstream.
const DefaultSystemPrompt = "You are a task analysis assistant. Your ONLY output must be valid JSON matching the requested fields. No markdown, no code fences, no prose. Output raw JSON only."

// Invoker is a reusable client for one-shot Claude CLI completions. Create
// once, use many times; it is safe for concurrent use.
type Invoker struct {
	// ClaudePath is the claude CLI binary. Defaults to "claude" in PATH.
	ClaudePath string

	// Timeout bounds each invocation. Zero means the caller's context rules.
	Timeout time.Duration

	// SystemPrompt is sent with every invocation. Defaults to
	// DefaultSystemPrompt when empty.
	SystemPrompt string
}

// NewInvoker creates an Invoker with default settings.
func NewInvoker() *Invoker {
	return &Invoker{
		ClaudePath:   "claude",
		SystemPrompt: DefaultSystemPrompt,
	}
}

// Complete sends prompt to the claude CLI and returns the raw stdout.
func (inv *Invoker) Complete(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	systemPrompt := inv.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	claudePath := inv.ClaudePath
	if claudePath == "" {
		claudePath = "claude"
	}

	args := []string{
		"--system-prompt", systemPrompt,
		"-p", prompt,
		"--output-format", "text",
		"--settings", `{"disableAllHooks": true}`,
	}

	cmd := exec.CommandContext(ctx, claudePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("claude invocation failed: %w", err)
	}
	return string(output), nil
}
