package models

// Task type values produced by the analysis phase.
const (
	TaskTypeInformational = "informational"
	TaskTypeExecution     = "execution"
)

// AnalysisResult is the structured output of the task analysis phase. It is
// ephemeral: produced once per task and never persisted.
type AnalysisResult struct {
	TaskType             string   `json:"task_type"`
	NeedsCoordination    bool     `json:"needs_coordination"`
	RequiredAgents       []string `json:"required_agents"`
	ExecutionInstruction string   `json:"execution_instruction"`
	Complexity           string   `json:"complexity"`
	KeyRequirements      []string `json:"key_requirements"`
	DirectAnswer         string   `json:"direct_answer,omitempty"`
}

// DefaultAnalysis returns the conservative fallback used when the model
// response cannot be parsed: treat the task as an execution task with the raw
// task text as the instruction and no coordination.
func DefaultAnalysis(task string) *AnalysisResult {
	return &AnalysisResult{
		TaskType:             TaskTypeExecution,
		NeedsCoordination:    false,
		ExecutionInstruction: task,
		Complexity:           "moderate",
	}
}

// Informational reports whether the task should be answered directly without
// driving the execution backend.
func (a *AnalysisResult) Informational() bool {
	return a.TaskType == TaskTypeInformational && a.DirectAnswer != ""
}
