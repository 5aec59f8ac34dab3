package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/dispatch/internal/llm"
	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/models"
	"github.com/harrison/dispatch/internal/store"
)

// fakeSession simulates the execution backend over a real temp workspace.
// sendHook lets a test decide what "the backend" does with an instruction,
// typically writing the completion marker.
type fakeSession struct {
	mu        sync.Mutex
	workspace string
	sent      []string
	output    string
	sendHook  func(instruction string) error
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	return &fakeSession{workspace: t.TempDir()}
}

func (s *fakeSession) Send(instruction string) error {
	s.mu.Lock()
	s.sent = append(s.sent, instruction)
	hook := s.sendHook
	s.mu.Unlock()
	if hook != nil {
		return hook(instruction)
	}
	return nil
}

func (s *fakeSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSession) CaptureOutput(maxLines int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, nil
}

func (s *fakeSession) Workspace() string { return s.workspace }

func (s *fakeSession) MarkerPath(taskID string) string {
	return filepath.Join(s.workspace, "summaries", taskID+".md")
}

func (s *fakeSession) WriteFile(name, content string) error {
	path := filepath.Join(s.workspace, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (s *fakeSession) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

// writeMarker simulates the backend finishing a task.
func (s *fakeSession) writeMarker(taskID, summary string) error {
	return s.WriteFile(filepath.Join("summaries", taskID+".md"), summary)
}

// fakeAnalyzer returns a fixed analysis, or the conservative default when
// none is configured.
type fakeAnalyzer struct {
	result *models.AnalysisResult
	panics bool
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req llm.AnalyzeRequest) *models.AnalysisResult {
	if a.panics {
		panic("analyzer exploded")
	}
	if a.result != nil {
		return a.result
	}
	return models.DefaultAnalysis(req.Task)
}

// fakeDelegator answers for agents in the answers map and errors for agents
// in the failures map; everything else is unknown.
type fakeDelegator struct {
	answers  map[string]string
	failures map[string]error
}

func (d *fakeDelegator) Known(agent string) bool {
	_, ok := d.answers[agent]
	if !ok {
		_, ok = d.failures[agent]
	}
	return ok
}

func (d *fakeDelegator) Ask(ctx context.Context, agent, question, contextID string) (string, error) {
	if err, ok := d.failures[agent]; ok {
		return "", err
	}
	return d.answers[agent], nil
}

// recordingSink captures the state of every task update snapshot.
type recordingSink struct {
	mu     sync.Mutex
	states []models.TaskState
}

func (r *recordingSink) TaskUpdated(task *models.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, task.Status.State)
}

func (r *recordingSink) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s.Terminal() {
			n++
		}
	}
	return n
}

type testEngine struct {
	*Engine
	session *fakeSession
	store   *store.Store
	sink    *recordingSink
}

func newTestEngine(t *testing.T, analyzer Analyzer, delegator Delegator) *testEngine {
	t.Helper()

	session := newFakeSession(t)
	st, err := store.New(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := &recordingSink{}
	if delegator == nil {
		delegator = &fakeDelegator{}
	}

	eng := New(Config{
		Role:               "Backend Developer",
		Capabilities:       []string{"api design", "testing"},
		QueueCapacity:      8,
		MonitorInterval:    5 * time.Millisecond,
		MonitorMaxDuration: 100 * time.Millisecond,
	}, st, session, analyzer, delegator, nil, sink, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})

	return &testEngine{Engine: eng, session: session, store: st, sink: sink}
}

func submission(text string) Submission {
	return Submission{Message: models.Message{MessageID: "m1", Role: "user", Parts: []models.Part{{Text: text}}}}
}

func (te *testEngine) waitTerminal(t *testing.T, taskID string) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		task = te.store.Get(taskID)
		return task != nil && task.Status.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached a terminal state", taskID)
	return task
}

func TestInformationalTaskAnsweredDirectly(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:     models.TaskTypeInformational,
		DirectAnswer: "Yes, the service supports pagination.",
	}}
	te := newTestEngine(t, analyzer, nil)

	task, err := te.Submit(submission("does the service support pagination?"))
	require.NoError(t, err)

	done := te.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStateCompleted, done.Status.State)
	require.Len(t, done.Artifacts, 1)
	assert.Equal(t, "answer.md", done.Artifacts[0].Name)
	assert.Equal(t, "Yes, the service supports pagination.", done.Artifacts[0].Text())

	// The backend was never touched and nothing was written to the workspace.
	assert.Empty(t, te.session.Sent())
	files, err := te.session.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestExecutionTaskHappyPath(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:             models.TaskTypeExecution,
		ExecutionInstruction: "implement the parser",
		Complexity:           "moderate",
		KeyRequirements:      []string{"streaming input"},
	}}

	te := newTestEngine(t, analyzer, nil)
	te.session.sendHook = func(string) error {
		return te.session.writeMarker(lastTaskID(te), "# Task Completion Summary\n\n## Status\nCOMPLETED\n")
	}

	task, err := te.Submit(submission("implement the parser"))
	require.NoError(t, err)

	done := te.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStateCompleted, done.Status.State)

	// Primary artifact is the completion summary.
	require.NotEmpty(t, done.Artifacts)
	assert.Equal(t, filepath.Join("summaries", task.ID+".md"), done.Artifacts[0].Name)

	// Scaffolding was packaged and the instruction carried the completion
	// protocol.
	assert.FileExists(t, filepath.Join(te.session.Workspace(), "CONTEXT.md"))
	assert.FileExists(t, filepath.Join(te.session.Workspace(), "INSTRUCTIONS.md"))
	assert.NoFileExists(t, filepath.Join(te.session.Workspace(), "SPECS.md"))

	sent := te.session.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "implement the parser")
	assert.Contains(t, sent[0], "summaries/"+task.ID+".md")

	assert.Equal(t, 1, te.sink.terminalCount())
}

// lastTaskID returns the id of the task currently holding the gate.
func lastTaskID(te *testEngine) string {
	return te.Status().CurrentTaskID
}

func TestQueuedTasksRunInSubmissionOrder(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	te := newTestEngine(t, analyzer, nil)

	// The first send blocks until every submission is in, so the remaining
	// tasks are forced through the queue.
	allQueued := make(chan struct{})
	te.session.sendHook = func(string) error {
		<-allQueued
		return te.session.writeMarker(lastTaskID(te), "done\n")
	}

	first, err := te.Submit(submission("task one"))
	require.NoError(t, err)

	// Wait until the first task holds the gate before queueing the rest.
	require.Eventually(t, func() bool {
		return te.Status().CurrentTaskID == first.ID
	}, 2*time.Second, time.Millisecond)

	second, err := te.Submit(submission("task two"))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSubmitted, second.Status.State)
	assert.Contains(t, second.Status.Message, "position 1")

	third, err := te.Submit(submission("task three"))
	require.NoError(t, err)
	assert.Contains(t, third.Status.Message, "position 2")

	status := te.Status()
	assert.True(t, status.Executing)
	assert.Equal(t, 2, status.Queued)

	close(allQueued)

	te.waitTerminal(t, first.ID)
	te.waitTerminal(t, second.ID)
	te.waitTerminal(t, third.ID)

	var order []string
	for _, instr := range te.session.Sent() {
		switch {
		case strings.Contains(instr, "task one"):
			order = append(order, "one")
		case strings.Contains(instr, "task two"):
			order = append(order, "two")
		case strings.Contains(instr, "task three"):
			order = append(order, "three")
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestQueueFull(t *testing.T) {
	session := newFakeSession(t)
	st, err := store.New(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Never started and the gate is pre-claimed, so every submission queues.
	eng := New(Config{QueueCapacity: 2, MonitorInterval: time.Millisecond, MonitorMaxDuration: time.Millisecond},
		st, session, &fakeAnalyzer{}, &fakeDelegator{}, nil, nil, logger.Discard())
	require.True(t, eng.gate.TryAcquire(1))

	_, err = eng.Submit(submission("a"))
	require.NoError(t, err)
	_, err = eng.Submit(submission("b"))
	require.NoError(t, err)

	_, err = eng.Submit(submission("c"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestCoordinationSpecsIncludeFailuresInline(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:             models.TaskTypeExecution,
		NeedsCoordination:    true,
		RequiredAgents:       []string{"designer", "reviewer", "ghost"},
		ExecutionInstruction: "build the dashboard",
	}}
	delegator := &fakeDelegator{
		answers:  map[string]string{"designer": "Use a two-column layout."},
		failures: map[string]error{"reviewer": fmt.Errorf("connection refused")},
	}

	te := newTestEngine(t, analyzer, delegator)
	te.session.sendHook = func(string) error {
		return te.session.writeMarker(lastTaskID(te), "done\n")
	}

	task, err := te.Submit(submission("build the dashboard"))
	require.NoError(t, err)
	done := te.waitTerminal(t, task.ID)

	// A collaborator failure never fails the task.
	assert.Equal(t, models.TaskStateCompleted, done.Status.State)

	data, err := os.ReadFile(filepath.Join(te.session.Workspace(), "SPECS.md"))
	require.NoError(t, err)
	specs := string(data)
	assert.Contains(t, specs, "Use a two-column layout.")
	assert.Contains(t, specs, "Error communicating with reviewer: connection refused")
	// Unknown agents are skipped entirely.
	assert.NotContains(t, specs, "ghost")
}

func TestMonitorTimeoutYieldsFallbackArtifact(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:             models.TaskTypeExecution,
		ExecutionInstruction: "long running build",
	}}
	te := newTestEngine(t, analyzer, nil)
	te.session.output = "compiling..."
	// No sendHook: the marker never appears and the monitor times out.

	task, err := te.Submit(submission("long running build"))
	require.NoError(t, err)
	done := te.waitTerminal(t, task.ID)

	// Timeout is not a failure; the task completes with exactly one
	// unconfirmed fallback artifact.
	assert.Equal(t, models.TaskStateCompleted, done.Status.State)
	require.Len(t, done.Artifacts, 1)
	assert.Equal(t, "fallback-summary.md", done.Artifacts[0].Name)
	text := done.Artifacts[0].Text()
	assert.Contains(t, text, "NOT CONFIRMED COMPLETE")
	assert.Contains(t, text, "compiling...")
}

func TestSendFailureFailsTask(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:             models.TaskTypeExecution,
		ExecutionInstruction: "do work",
	}}
	te := newTestEngine(t, analyzer, nil)
	te.session.sendHook = func(string) error {
		return fmt.Errorf("tmux session gone")
	}

	task, err := te.Submit(submission("do work"))
	require.NoError(t, err)
	done := te.waitTerminal(t, task.ID)

	assert.Equal(t, models.TaskStateFailed, done.Status.State)
	assert.Contains(t, done.Status.Message, "tmux session gone")
	require.NotEmpty(t, done.Artifacts)
	last := done.Artifacts[len(done.Artifacts)-1]
	assert.Equal(t, "error.md", last.Name)
	assert.Contains(t, last.Text(), "Error:")
	assert.Equal(t, 1, te.sink.terminalCount())
}

func TestPanicFailsTaskAndReleasesGate(t *testing.T) {
	te := newTestEngine(t, &fakeAnalyzer{panics: true}, nil)

	task, err := te.Submit(submission("boom"))
	require.NoError(t, err)
	done := te.waitTerminal(t, task.ID)

	assert.Equal(t, models.TaskStateFailed, done.Status.State)
	assert.Contains(t, done.Status.Message, "pipeline panic")

	// The gate is free again: a follow-up submission must run, not hang.
	require.Eventually(t, func() bool {
		return !te.Status().Executing
	}, 2*time.Second, time.Millisecond)

	te.session.sendHook = func(string) error {
		return te.session.writeMarker(lastTaskID(te), "done\n")
	}
	analyzer := te.analyzer.(*fakeAnalyzer)
	analyzer.panics = false

	next, err := te.Submit(submission("after the panic"))
	require.NoError(t, err)
	after := te.waitTerminal(t, next.ID)
	assert.Equal(t, models.TaskStateCompleted, after.Status.State)
}

func TestFollowUpMessageAppendsHistory(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:     models.TaskTypeInformational,
		DirectAnswer: "done",
	}}
	te := newTestEngine(t, analyzer, nil)

	task, err := te.Submit(submission("first question"))
	require.NoError(t, err)
	te.waitTerminal(t, task.ID)

	// Same task id, new message: history grows on the existing record.
	_, err = te.Submit(Submission{
		TaskID:  task.ID,
		Message: models.Message{MessageID: "m2", Parts: []models.Part{{Text: "second question"}}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(te.store.Get(task.ID).History) == 2
	}, 2*time.Second, time.Millisecond)
}

func TestCancelIsNoOp(t *testing.T) {
	te := newTestEngine(t, &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:     models.TaskTypeInformational,
		DirectAnswer: "answer",
	}}, nil)

	task, err := te.Submit(submission("question"))
	require.NoError(t, err)

	te.Cancel(task.ID)

	done := te.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStateCompleted, done.Status.State)
}

func TestCleanupDelegatesToStore(t *testing.T) {
	te := newTestEngine(t, &fakeAnalyzer{result: &models.AnalysisResult{
		TaskType:     models.TaskTypeInformational,
		DirectAnswer: "answer",
	}}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := te.Submit(submission("question"))
		require.NoError(t, err)
		te.waitTerminal(t, task.ID)
		ids = append(ids, task.ID)
	}

	removed := te.Cleanup(1)
	assert.Equal(t, 2, removed)

	kept := 0
	for _, id := range ids {
		if te.store.Get(id) != nil {
			kept++
		}
	}
	assert.Equal(t, 1, kept)
}
