package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harrison/dispatch/internal/models"
)

// Scaffolding document names written into the workspace before execution.
const (
	contextDoc      = "CONTEXT.md"
	specsDoc        = "SPECS.md"
	instructionsDoc = "INSTRUCTIONS.md"
)

// packageContext writes the scaffolding documents the execution backend
// reads before working: the agent context, collaborator specifications (only
// when any exist) and the execution instructions.
func (e *Engine) packageContext(task *models.Task, taskText string, analysis *models.AnalysisResult, specs map[string]string) error {
	if err := e.session.WriteFile(contextDoc, buildContextDoc(e.cfg, task, taskText, analysis)); err != nil {
		return err
	}

	if len(specs) > 0 {
		if err := e.session.WriteFile(specsDoc, buildSpecsDoc(specs)); err != nil {
			return err
		}
	}

	return e.session.WriteFile(instructionsDoc, buildInstructionsDoc(taskText, analysis))
}

func buildContextDoc(cfg Config, task *models.Task, taskText string, analysis *models.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("# Agent Context\n\n")
	fmt.Fprintf(&b, "## Role\n%s\n\n", cfg.Role)
	fmt.Fprintf(&b, "## Task ID\n%s\n\n", task.ID)
	fmt.Fprintf(&b, "## Task Description\n%s\n\n", taskText)

	b.WriteString("## Capabilities\n")
	for _, cap := range cfg.Capabilities {
		fmt.Fprintf(&b, "- %s\n", cap)
	}

	b.WriteString("\n## Analysis\n")
	fmt.Fprintf(&b, "- Complexity: %s\n", analysis.Complexity)
	fmt.Fprintf(&b, "- Coordination needed: %v\n\n", analysis.NeedsCoordination)

	fmt.Fprintf(&b, "## Background\nThis task was delegated to you as the %s. You have the necessary capabilities and expertise to complete it.\n", cfg.Role)
	return b.String()
}

func buildSpecsDoc(specs map[string]string) string {
	agents := make([]string, 0, len(specs))
	for agent := range specs {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	var b strings.Builder
	b.WriteString("# Specifications from Other Agents\n\n")
	for _, agent := range agents {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", titleCase(agent), specs[agent])
	}
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func buildInstructionsDoc(taskText string, analysis *models.AnalysisResult) string {
	instruction := analysis.ExecutionInstruction
	if instruction == "" {
		instruction = taskText
	}

	var b strings.Builder
	b.WriteString("# Execution Instructions\n\n")
	fmt.Fprintf(&b, "## What to Build\n%s\n\n", instruction)

	b.WriteString("## Key Requirements\n")
	for _, req := range analysis.KeyRequirements {
		fmt.Fprintf(&b, "- %s\n", req)
	}

	b.WriteString(`
## Deliverables
Please provide:
1. Clean, well-structured code
2. Tests (if applicable)
3. Documentation
4. Any necessary configuration files

## Notes
- Read CONTEXT.md for your role and capabilities
- Read SPECS.md for specifications from other agents (if present)
- Work autonomously and professionally
`)
	return b.String()
}

// executionCommand wraps the instruction in the completion protocol: the
// backend must create summaries/<task_id>.md when done, and the Key
// Deliverables section of that file is the only channel through which it can
// nominate artifact files.
func executionCommand(instruction, taskID string) string {
	return fmt.Sprintf(`%s. Read CONTEXT.md and INSTRUCTIONS.md for full details.

CRITICAL: When you complete this task, create a file named summaries/%s.md with:

# Task Completion Summary

## Objective
[What was the task?]

## Accomplishments
- [Bullet point 1]
- [Bullet point 2]

## Key Deliverables
- `+"`path/to/file1.ext`"+` - Description of file 1
- `+"`path/to/file2.ext`"+` - Description of file 2
[List ONLY the essential files that should be returned as artifacts]

## Test Results
[Passed, failed, or not applicable]

## Important Notes
- [Any caveats, issues, or recommendations]

## Status
COMPLETED, PARTIAL, or FAILED

Do not proceed to other tasks until summaries/%s.md is created.`, instruction, taskID, taskID)
}
