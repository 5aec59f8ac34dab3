package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/models"
)

// Completer is the completion capability the analyzer depends on. Satisfied
// by Invoker; fakeable in tests.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Analyzer turns a raw task description into a structured AnalysisResult.
// Analysis is best-effort: any failure, from transport errors to unparseable
// model output, degrades to the conservative default rather than failing the
// task.
type Analyzer struct {
	completer Completer
	log       logger.Logger
}

// AnalyzeRequest carries the agent identity the analysis prompt needs.
type AnalyzeRequest struct {
	Task          string
	Role          string
	Capabilities  []string
	RelatedAgents []string
}

// NewAnalyzer creates an Analyzer backed by completer.
func NewAnalyzer(completer Completer, log logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Discard()
	}
	return &Analyzer{completer: completer, log: log}
}

// Analyze performs one completion call and parses the structured result.
// It never returns an error alongside a nil result: the fallback default is
// always available.
func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest) *models.AnalysisResult {
	raw, err := a.completer.Complete(ctx, buildAnalysisPrompt(req))
	if err != nil {
		a.log.Warnf("task analysis call failed, using defaults: %v", err)
		return models.DefaultAnalysis(req.Task)
	}

	result, err := parseAnalysis(raw)
	if err != nil {
		a.log.Warnf("task analysis unparseable, using defaults: %v", err)
		return models.DefaultAnalysis(req.Task)
	}

	if result.TaskType != models.TaskTypeInformational {
		result.TaskType = models.TaskTypeExecution
	}
	if result.ExecutionInstruction == "" {
		result.ExecutionInstruction = req.Task
	}
	return result
}

func buildAnalysisPrompt(req AnalyzeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this task and provide a JSON response:\n\nTask: %s\n\n", req.Task)
	fmt.Fprintf(&b, "Your role: %s\n", req.Role)
	fmt.Fprintf(&b, "Your capabilities: %s\n\n", strings.Join(req.Capabilities, ", "))
	b.WriteString(`Provide analysis as JSON with these fields:
- task_type: "informational" | "execution"
  * "informational": questions, explanations, capability queries (answer directly)
  * "execution": building, coding, creating artifacts (needs backend execution)
- needs_coordination: true/false (do you need input from other agents?)
`)
	fmt.Fprintf(&b, "- required_agents: list of agent names needed (options: %s)\n", strings.Join(req.RelatedAgents, ", "))
	b.WriteString(`- execution_instruction: clear instruction for executing this task
- complexity: "simple", "moderate", or "complex"
- key_requirements: list of key requirements
- direct_answer: (if task_type="informational") a complete answer to the question

Response (JSON only):`)
	return b.String()
}

// parseAnalysis extracts the outermost JSON object from raw model output and
// decodes it, repairing near-JSON with jsonrepair before giving up.
func parseAnalysis(raw string) (*models.AnalysisResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	candidate := raw[start : end+1]

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(candidate), &result); err == nil {
		return &result, nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("repair analysis JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return nil, fmt.Errorf("decode repaired analysis JSON: %w", err)
	}
	return &result, nil
}
