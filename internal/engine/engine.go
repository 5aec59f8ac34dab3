// Package engine implements the per-agent task execution pipeline.
//
// The engine owns the concurrency gate over the shared execution backend:
// exactly one task drives the backend at any instant, the rest wait in a
// strict FIFO queue drained by a single background loop. Each task moves
// through a fixed phase pipeline (intake, analysis, optional coordination,
// context packaging, execution, completion monitoring, artifact collection,
// finalization) and is guaranteed to reach exactly one terminal state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/harrison/dispatch/internal/history"
	"github.com/harrison/dispatch/internal/llm"
	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/models"
)

// Store is the task persistence contract the engine mutates tasks through.
// Implemented by the store package; the engine never touches storage
// structures directly.
type Store interface {
	Get(id string) *models.Task
	Save(task *models.Task)
	Delete(id string)
	Cleanup(keepRecent int) int
}

// Session is the execution backend contract: a long-lived, stateful,
// non-interruptible session with no synchronous completion signal.
type Session interface {
	Send(instruction string) error
	CaptureOutput(maxLines int) (string, error)
	Workspace() string
	MarkerPath(taskID string) string
	WriteFile(name, content string) error
	Files() ([]string, error)
}

// Analyzer produces the structured analysis for a task. Analysis is
// best-effort and never fails the task.
type Analyzer interface {
	Analyze(ctx context.Context, req llm.AnalyzeRequest) *models.AnalysisResult
}

// Delegator issues blocking questions to collaborator agents.
type Delegator interface {
	Known(agent string) bool
	Ask(ctx context.Context, agent, question, contextID string) (string, error)
}

// Historian journals finished executions. Optional; journal failures are
// never fatal.
type Historian interface {
	RecordExecution(ctx context.Context, exec *history.Execution) error
}

// StatusSink receives a snapshot after every task mutation, letting the
// boundary push status updates and artifacts to external observers.
type StatusSink interface {
	TaskUpdated(task *models.Task)
}

// Submission is one inbound work unit.
type Submission struct {
	TaskID    string
	ContextID string
	Message   models.Message
}

// Config carries the static agent identity and tuning the engine needs.
type Config struct {
	Role          string
	Capabilities  []string
	RelatedAgents []string

	QueueCapacity      int
	MonitorInterval    time.Duration
	MonitorMaxDuration time.Duration
	RetentionKeep      int
}

// QueueStatus is a point-in-time view of the gate and backlog.
type QueueStatus struct {
	Executing     bool   `json:"executing"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	Queued        int    `json:"queued"`
}

// Engine composes the queue, monitor, collector and store into the full
// pipeline.
type Engine struct {
	cfg       Config
	store     Store
	session   Session
	analyzer  Analyzer
	delegator Delegator
	journal   Historian
	sink      StatusSink
	log       logger.Logger

	// gate is the capacity-1 lock serializing access to the session. It is
	// released on every pipeline exit path, panics included.
	gate    *semaphore.Weighted
	queue   *taskQueue
	monitor *Monitor
	collect *Collector

	current atomic.Value // string: task id holding the gate
	runCtx  atomic.Value // context.Context: pipeline lifecycle, set by Start
	wg      sync.WaitGroup
}

// New assembles an Engine. The sink and journal may be nil.
func New(cfg Config, store Store, session Session, analyzer Analyzer, delegator Delegator, journal Historian, sink StatusSink, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		session:   session,
		analyzer:  analyzer,
		delegator: delegator,
		journal:   journal,
		sink:      sink,
		log:       log,
		gate:      semaphore.NewWeighted(1),
		queue:     newTaskQueue(cfg.QueueCapacity),
		monitor:   NewMonitor(session, cfg.MonitorInterval, cfg.MonitorMaxDuration, log),
		collect:   NewCollector(session, log),
	}
	e.current.Store("")
	e.runCtx.Store(context.Background())
	return e
}

// Start launches the background drain loop. It runs until ctx is canceled;
// the same context bounds pipelines started directly from Submit.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx.Store(ctx)
	e.wg.Add(1)
	go e.drainLoop(ctx)
}

// Wait blocks until the drain loop and any in-flight task have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit runs the submission immediately when the gate is free, otherwise
// queues it FIFO. It returns a snapshot of the task record, whose first
// status for a queued submission is submitted with the queue position.
func (e *Engine) Submit(sub Submission) (*models.Task, error) {
	if sub.TaskID == "" {
		sub.TaskID = uuid.NewString()
	}
	if sub.ContextID == "" {
		sub.ContextID = uuid.NewString()
	}

	if e.gate.TryAcquire(1) {
		task := e.intake(sub, "")
		runCtx, _ := e.runCtx.Load().(context.Context)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runWithGate(runCtx, sub)
		}()
		return task, nil
	}

	pos, err := e.queue.Enqueue(sub)
	if err != nil {
		return nil, err
	}

	e.log.Infof("backend busy with task %s, queued task %s at position %d",
		e.current.Load(), sub.TaskID, pos)
	task := e.intake(sub, fmt.Sprintf("queued at position %d", pos))
	return task, nil
}

// Cancel acknowledges a cancellation request. In-flight backend work cannot
// be preempted, so the request is logged and otherwise a no-op; the task
// still runs to a terminal state.
func (e *Engine) Cancel(taskID string) {
	e.log.Warnf("cancellation requested for task %s: not supported, task will run to completion", taskID)
}

// Cleanup applies the retention policy and returns the number of terminal
// task records removed.
func (e *Engine) Cleanup(keepRecent int) int {
	return e.store.Cleanup(keepRecent)
}

// Status reports gate and queue state.
func (e *Engine) Status() QueueStatus {
	current, _ := e.current.Load().(string)
	return QueueStatus{
		Executing:     current != "",
		CurrentTaskID: current,
		Queued:        e.queue.Len(),
	}
}

// drainLoop pulls queued submissions strictly FIFO and runs each through the
// full pipeline. One task's failure never stalls the loop.
func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()
	e.log.Debugf("task queue drain loop started")

	for {
		sub, ok := e.queue.Dequeue(ctx)
		if !ok {
			e.log.Debugf("task queue drain loop stopped")
			return
		}
		if err := e.gate.Acquire(ctx, 1); err != nil {
			return
		}
		e.log.Infof("processing queued task %s", sub.TaskID)
		e.runWithGate(ctx, sub)
	}
}

// runWithGate executes the pipeline for one submission with the gate already
// held, releasing it on every exit path.
func (e *Engine) runWithGate(ctx context.Context, sub Submission) {
	e.current.Store(sub.TaskID)
	defer func() {
		e.current.Store("")
		e.gate.Release(1)
	}()

	e.runPipeline(ctx, sub)
}

// intake fetches or creates the task record, appends the inbound message to
// its history and persists it. First-time tasks start in the submitted
// state; statusMsg annotates that initial status (used for queue position).
func (e *Engine) intake(sub Submission, statusMsg string) *models.Task {
	task := e.store.Get(sub.TaskID)
	if task == nil {
		task = models.NewTask(sub.TaskID, sub.ContextID)
		if statusMsg != "" {
			task.Status.Message = statusMsg
		}
		e.log.Debugf("created new task %s", sub.TaskID)
	} else {
		e.log.Debugf("continuing existing task %s", sub.TaskID)
	}

	if len(sub.Message.Parts) > 0 {
		task.AddHistory(sub.Message)
	}

	e.store.Save(task)
	e.notify(task)
	return task
}

// runPipeline drives one task through every phase and guarantees exactly one
// terminal status update, with a diagnostic artifact on failure.
func (e *Engine) runPipeline(ctx context.Context, sub Submission) {
	start := time.Now()

	task := e.store.Get(sub.TaskID)
	if task == nil {
		// Submit always persists the record before the pipeline runs; a miss
		// here means the durable tier and cache were both lost mid-flight.
		task = models.NewTask(sub.TaskID, sub.ContextID)
		if len(sub.Message.Parts) > 0 {
			task.AddHistory(sub.Message)
		}
		e.store.Save(task)
	}

	u := &updater{engine: e, task: task}

	err := e.runPhases(ctx, u, sub)
	if err != nil {
		e.log.Errorf("task %s failed: %v", task.ID, err)
		u.addArtifact("error.md", fmt.Sprintf("Error: %v", err))
		u.setStatus(models.TaskStateFailed, err.Error())
	}

	e.recordHistory(task, time.Since(start), err)
}

// runPhases executes the phase sequence, converting panics into errors so a
// misbehaving phase fails its own task without stalling the drain loop.
func (e *Engine) runPhases(ctx context.Context, u *updater, sub Submission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	task := u.task
	taskText := taskDescription(task)
	e.log.Infof("task %s: %.120s", task.ID, taskText)

	u.setStatus(models.TaskStateWorking, "")

	// Analysis. Never fails the task; malformed model output degrades to the
	// conservative default inside the analyzer.
	analysis := e.analyzer.Analyze(ctx, llm.AnalyzeRequest{
		Task:          taskText,
		Role:          e.cfg.Role,
		Capabilities:  e.cfg.Capabilities,
		RelatedAgents: e.cfg.RelatedAgents,
	})
	e.log.Infof("task %s analyzed: type=%s coordination=%v complexity=%s",
		task.ID, analysis.TaskType, analysis.NeedsCoordination, analysis.Complexity)

	// Informational branch: answer directly, no backend execution and no
	// workspace writes.
	if analysis.Informational() {
		u.addArtifact("answer.md", analysis.DirectAnswer)
		u.setStatus(models.TaskStateCompleted, "")
		e.log.Infof("task %s answered directly", task.ID)
		return nil
	}

	var specs map[string]string
	if analysis.NeedsCoordination {
		specs = e.coordinate(ctx, u, analysis)
	}

	if err := e.packageContext(task, taskText, analysis, specs); err != nil {
		return fmt.Errorf("package context: %w", err)
	}

	// Execution is fire-and-forget: only the send itself can fail here.
	instruction := analysis.ExecutionInstruction
	if instruction == "" {
		instruction = taskText
	}
	if err := e.session.Send(executionCommand(instruction, task.ID)); err != nil {
		return fmt.Errorf("send to execution backend: %w", err)
	}

	outcome := e.monitor.Wait(ctx, task.ID, func(string) {
		u.setStatus(models.TaskStateWorking, "")
	})
	if !outcome.MarkerFound {
		e.log.Warnf("task %s completion not confirmed after %s", task.ID, outcome.Elapsed.Round(time.Second))
	}

	for _, artifact := range e.collect.Collect(task.ID) {
		u.attach(artifact)
	}

	u.setStatus(models.TaskStateCompleted, "")
	e.log.Infof("task %s completed", task.ID)
	return nil
}

// coordinate issues a blocking delegated request per required collaborator.
// A per-collaborator failure is recorded inline in that collaborator's slot
// and never fails the task.
func (e *Engine) coordinate(ctx context.Context, u *updater, analysis *models.AnalysisResult) map[string]string {
	specs := make(map[string]string)

	for _, agent := range analysis.RequiredAgents {
		if !e.delegator.Known(agent) {
			e.log.Warnf("required agent %s not in registry, skipping", agent)
			continue
		}

		question := "Provide specifications for: " + analysis.ExecutionInstruction
		answer, err := e.delegator.Ask(ctx, agent, question, u.task.ContextID)
		if err != nil {
			e.log.Errorf("coordination with %s failed: %v", agent, err)
			specs[agent] = fmt.Sprintf("Error communicating with %s: %v", agent, err)
			continue
		}
		specs[agent] = answer
		e.log.Infof("received specifications from %s", agent)
	}

	return specs
}

// recordHistory journals the finished execution. Best-effort only.
func (e *Engine) recordHistory(task *models.Task, duration time.Duration, runErr error) {
	if e.journal == nil {
		return
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	exec := &history.Execution{
		TaskID:        task.ID,
		ContextID:     task.ContextID,
		State:         string(task.Status.State),
		Duration:      duration,
		ArtifactCount: len(task.Artifacts),
		ErrorMessage:  errMsg,
	}
	if err := e.journal.RecordExecution(context.Background(), exec); err != nil {
		e.log.Warnf("record execution history: %v", err)
	}
}

func (e *Engine) notify(task *models.Task) {
	if e.sink != nil {
		e.sink.TaskUpdated(task)
	}
}

// taskDescription extracts the task text from the most recent history
// message.
func taskDescription(task *models.Task) string {
	if n := len(task.History); n > 0 {
		if text := task.History[n-1].Text(); text != "" {
			return text
		}
	}
	return "(no task description provided)"
}

// updater funnels every task mutation through the store and the sink. Status
// transitions honor the monotonic state machine: a terminal update is
// emitted at most once, and later transitions are dropped.
type updater struct {
	engine *Engine
	task   *models.Task
}

func (u *updater) setStatus(state models.TaskState, message string) {
	if !u.task.SetStatus(state, message) {
		return
	}
	u.engine.store.Save(u.task)
	u.engine.notify(u.task)
}

func (u *updater) addArtifact(name, text string) {
	u.attach(models.Artifact{
		ArtifactID: uuid.NewString(),
		Name:       name,
		Parts:      []models.Part{{Text: text}},
	})
}

func (u *updater) attach(artifact models.Artifact) {
	u.task.AddArtifact(artifact)
	u.engine.store.Save(u.task)
	u.engine.notify(u.task)
}
