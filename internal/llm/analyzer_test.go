package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/dispatch/internal/models"
)

type fakeCompleter struct {
	response string
	err      error
	prompt   string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.response, f.err
}

func TestAnalyzeWellFormedResponse(t *testing.T) {
	completer := &fakeCompleter{response: `{
		"task_type": "execution",
		"needs_coordination": true,
		"required_agents": ["designer"],
		"execution_instruction": "build the API",
		"complexity": "complex",
		"key_requirements": ["REST endpoints", "auth"]
	}`}
	a := NewAnalyzer(completer, nil)

	result := a.Analyze(context.Background(), AnalyzeRequest{
		Task:          "build me an API",
		Role:          "Backend Developer",
		Capabilities:  []string{"api design"},
		RelatedAgents: []string{"designer", "reviewer"},
	})

	assert.Equal(t, models.TaskTypeExecution, result.TaskType)
	assert.True(t, result.NeedsCoordination)
	assert.Equal(t, []string{"designer"}, result.RequiredAgents)
	assert.Equal(t, "build the API", result.ExecutionInstruction)
	assert.Equal(t, "complex", result.Complexity)

	// The prompt carries the agent identity.
	assert.Contains(t, completer.prompt, "build me an API")
	assert.Contains(t, completer.prompt, "Backend Developer")
	assert.Contains(t, completer.prompt, "designer, reviewer")
}

func TestAnalyzeInformationalResponse(t *testing.T) {
	completer := &fakeCompleter{response: `{"task_type": "informational", "direct_answer": "Yes, I can."}`}
	a := NewAnalyzer(completer, nil)

	result := a.Analyze(context.Background(), AnalyzeRequest{Task: "can you write Go?"})

	assert.True(t, result.Informational())
	assert.Equal(t, "Yes, I can.", result.DirectAnswer)
}

func TestAnalyzeSurroundingProse(t *testing.T) {
	completer := &fakeCompleter{
		response: "Sure, here is the analysis:\n{\"task_type\": \"execution\", \"complexity\": \"simple\"}\nHope that helps!",
	}
	a := NewAnalyzer(completer, nil)

	result := a.Analyze(context.Background(), AnalyzeRequest{Task: "do the thing"})

	assert.Equal(t, models.TaskTypeExecution, result.TaskType)
	assert.Equal(t, "simple", result.Complexity)
	// A missing instruction falls back to the raw task text.
	assert.Equal(t, "do the thing", result.ExecutionInstruction)
}

func TestAnalyzeRepairsNearJSON(t *testing.T) {
	// Trailing comma and single quotes: not valid JSON but repairable.
	completer := &fakeCompleter{
		response: `{'task_type': 'execution', 'execution_instruction': 'fix it',}`,
	}
	a := NewAnalyzer(completer, nil)

	result := a.Analyze(context.Background(), AnalyzeRequest{Task: "fix the bug"})

	assert.Equal(t, models.TaskTypeExecution, result.TaskType)
	assert.Equal(t, "fix it", result.ExecutionInstruction)
}

func TestAnalyzeFallsBackOnGarbage(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
	}{
		{name: "no JSON at all", response: "I cannot analyze this."},
		{name: "empty response", response: ""},
		{name: "completion error", err: fmt.Errorf("claude invocation failed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(&fakeCompleter{response: tt.response, err: tt.err}, nil)
			result := a.Analyze(context.Background(), AnalyzeRequest{Task: "the task"})

			require.NotNil(t, result)
			assert.Equal(t, models.TaskTypeExecution, result.TaskType)
			assert.Equal(t, "the task", result.ExecutionInstruction)
			assert.False(t, result.NeedsCoordination)
		})
	}
}

func TestAnalyzeNormalizesUnknownTaskType(t *testing.T) {
	completer := &fakeCompleter{response: `{"task_type": "creative", "execution_instruction": "paint"}`}
	a := NewAnalyzer(completer, nil)

	result := a.Analyze(context.Background(), AnalyzeRequest{Task: "paint a picture"})

	assert.Equal(t, models.TaskTypeExecution, result.TaskType)
}
