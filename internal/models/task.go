// Package models defines the task entities exchanged between the engine,
// the store, and the HTTP boundary.
package models

import (
	"strings"
	"time"
)

// TaskState enumerates the mutually-exclusive states a task may be in.
// The state vocabulary matches the agent-to-agent task lifecycle: a task is
// submitted, moves to working, and ends in exactly one terminal state.
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
	TaskStateUnknown   TaskState = "unknown"
)

// Terminal reports whether the state is final. Terminal states never
// transition again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// TaskStatus captures the current state of a task along with an optional
// human-readable message and the time the status was recorded.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Part is a single text fragment of a message or artifact.
type Part struct {
	Text string `json:"text"`
}

// Message is an ordered sequence of parts exchanged during a task.
type Message struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role,omitempty"`
	Parts     []Part `json:"parts"`
}

// Text joins the message parts into a single string.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Artifact is a named output bundle attached to a completed or failed task.
type Artifact struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Text joins the artifact parts into a single string.
func (a Artifact) Text() string {
	parts := make([]string, 0, len(a.Parts))
	for _, p := range a.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MaxArtifacts is the ceiling on artifacts a finalized task may carry:
// one primary summary plus up to four deliverables.
const MaxArtifacts = 5

// Task is a unit of delegated work tracked from submission to a terminal
// state. The ID is the sole primary key across the cache and durable tiers.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"context_id,omitempty"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// NewTask creates a task in the submitted state.
func NewTask(id, contextID string) *Task {
	return &Task{
		ID:        id,
		ContextID: contextID,
		Status: TaskStatus{
			State:     TaskStateSubmitted,
			Timestamp: time.Now().UTC(),
		},
	}
}

// SetStatus records a state transition. Transitions out of a terminal state
// are ignored so a terminal update is emitted at most once.
func (t *Task) SetStatus(state TaskState, message string) bool {
	if t.Status.State.Terminal() {
		return false
	}
	t.Status = TaskStatus{
		State:     state,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	return true
}

// AddArtifact appends an artifact bundle to the task.
func (t *Task) AddArtifact(a Artifact) {
	t.Artifacts = append(t.Artifacts, a)
}

// AddHistory appends a message to the task history.
func (t *Task) AddHistory(m Message) {
	t.History = append(t.History, m)
}

// ResponseText extracts the response text from a task using an ordered
// fallback chain: last artifact, then last history message, then the status
// message. The first non-empty source wins; an empty string means the task
// carried no textual response at all.
func (t *Task) ResponseText() string {
	if n := len(t.Artifacts); n > 0 {
		if text := t.Artifacts[n-1].Text(); text != "" {
			return text
		}
	}
	if n := len(t.History); n > 0 {
		if text := t.History[n-1].Text(); text != "" {
			return text
		}
	}
	return t.Status.Message
}
