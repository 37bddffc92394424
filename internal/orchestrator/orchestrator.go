// Package orchestrator runs tasks: declarative units of work executed by an
// autonomous agent session under the worker role. It owns the concurrency
// ceiling, the marker-driven progress log, and the terminal status
// classification of every run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/oakline/deskd/internal/agent"
	"github.com/oakline/deskd/internal/bus"
	"github.com/oakline/deskd/internal/engine"
	"github.com/oakline/deskd/internal/marker"
	otelpkg "github.com/oakline/deskd/internal/otel"
	"github.com/oakline/deskd/internal/persistence"
	"github.com/oakline/deskd/internal/policy"
)

var (
	// ErrTaskLimit rejects a spawn at the concurrency ceiling.
	ErrTaskLimit = errors.New("task concurrency limit reached")
	// ErrNotRunning is returned by Abort for tasks without an active run.
	ErrNotRunning = errors.New("task is not running")
)

// Config holds the orchestrator's dependencies.
type Config struct {
	Store   *persistence.Store
	Engine  *engine.Engine
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics

	// MaxConcurrent caps simultaneously running tasks.
	MaxConcurrent int
	DefaultModel  string
}

// run is the in-memory state of one active task execution.
type run struct {
	taskID    string
	sessionID string

	mu         sync.Mutex
	stages     []string
	outcome    marker.Outcome
	failReason string
}

// Orchestrator spawns and supervises task runs.
type Orchestrator struct {
	cfg Config

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Orchestrator{cfg: cfg, runs: make(map[string]*run)}
}

// Wait blocks until all active runs have finalized. Call after the engine
// has been shut down.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// IsRunning reports whether the task has an active run.
func (o *Orchestrator) IsRunning(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[taskID]
	return ok
}

// RunningCount returns the number of active runs.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Spawn starts executing a task. Only todo and failed tasks may be spawned;
// a failed task resumes its previous conversation so the agent keeps its
// context from the earlier attempt. The progress log restarts either way.
func (o *Orchestrator) Spawn(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := o.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != persistence.TaskStatusTodo && task.Status != persistence.TaskStatusFailed {
		return nil, fmt.Errorf("task %s is %s, only todo or failed tasks can be spawned", taskID, task.Status)
	}

	// Reserve a slot under the lock so the ceiling cannot be oversubscribed
	// by concurrent spawns.
	o.mu.Lock()
	if _, ok := o.runs[taskID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("task %s is already running", taskID)
	}
	if len(o.runs) >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		return nil, ErrTaskLimit
	}
	r := &run{taskID: taskID}
	o.runs[taskID] = r
	o.mu.Unlock()

	task, err = o.spawnLocked(ctx, task, r)
	if err != nil {
		o.release(taskID)
		return nil, err
	}
	return task, nil
}

func (o *Orchestrator) spawnLocked(ctx context.Context, task *persistence.Task, r *run) (*persistence.Task, error) {
	retry := task.Status == persistence.TaskStatusFailed
	// Captured before the progress reset below wipes the earlier attempt.
	priorStages := completedStages(task.Progress)

	sess, err := o.taskSession(ctx, task)
	if err != nil {
		return nil, err
	}
	r.sessionID = sess.ID

	task, err = o.cfg.Store.TransitionTask(ctx, task.ID, persistence.TaskStatusInProgress, spawnReason(retry))
	if err != nil {
		return nil, err
	}
	if err := o.cfg.Store.SetTaskProgress(ctx, task.ID, []string{"Starting task..."}); err != nil {
		return nil, fmt.Errorf("reset progress: %w", err)
	}
	task.Progress = []string{"Starting task..."}

	// Viewers see the status flip before the first token arrives.
	o.publishTask(task, sess)

	model := task.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	st, err := o.cfg.Engine.Start(ctx, sess, buildPrompt(task, retry, priorStages), engine.StartOptions{
		Model:    model,
		Actor:    policy.Actor{Role: policy.RoleWorker, PathRoot: task.Cwd},
		Observer: o.observer(r),
	})
	if err != nil {
		failed, terr := o.cfg.Store.TransitionTask(context.Background(), task.ID, persistence.TaskStatusFailed, "spawn failed")
		if terr != nil {
			o.cfg.Logger.Error("mark spawn failure", "task_id", task.ID, "error", terr)
		} else {
			o.appendProgress(task.ID, "Failed: "+err.Error())
			o.publishTask(failed, sess)
		}
		return nil, err
	}

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.TasksSpawned.Add(ctx, 1)
	}
	o.cfg.Logger.Info("task spawned",
		"task_id", task.ID,
		"session_id", sess.ID,
		"retry", retry,
	)

	o.wg.Add(1)
	go o.supervise(st, r, sess)
	return task, nil
}

// taskSession returns the task's bound session, creating one the first time.
func (o *Orchestrator) taskSession(ctx context.Context, task *persistence.Task) (*persistence.Session, error) {
	if task.SessionID != "" {
		sess, err := o.cfg.Store.GetSession(ctx, task.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
	}
	sess, err := o.cfg.Store.CreateSession(ctx, task.Title, task.Cwd, task.Model, "task")
	if err != nil {
		return nil, fmt.Errorf("create task session: %w", err)
	}
	if err := o.cfg.Store.SetTaskSession(ctx, task.ID, sess.ID); err != nil {
		return nil, fmt.Errorf("bind task session: %w", err)
	}
	task.SessionID = sess.ID
	return sess, nil
}

// Abort requests cancellation of a running task. The task lands back in todo
// once the stream winds down; an abort is never a failure.
func (o *Orchestrator) Abort(taskID string) error {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if !o.cfg.Engine.Abort(r.sessionID) {
		return ErrNotRunning
	}
	return nil
}

// observer scans every assistant event for progress markers as it streams.
func (o *Orchestrator) observer(r *run) func(agent.Event) {
	return func(ev agent.Event) {
		if ev.Type != agent.EventAssistant {
			return
		}
		text := ev.Text()
		if text == "" {
			return
		}
		stages, outcome, reason := marker.Scan(text)

		r.mu.Lock()
		fresh := marker.NewStages(r.stages, stages)
		r.stages = append(r.stages, fresh...)
		// A failure marker sticks even if a completion marker streamed first.
		if outcome == marker.OutcomeFailed || (outcome == marker.OutcomeComplete && r.outcome != marker.OutcomeFailed) {
			r.outcome = outcome
			if reason != "" {
				r.failReason = reason
			}
		}
		taskID := r.taskID
		r.mu.Unlock()

		for _, stage := range fresh {
			o.appendProgress(taskID, stage)
		}
		if len(fresh) > 0 {
			o.broadcastTask(taskID)
		}
	}
}

// supervise waits out the stream and classifies the terminal status.
func (o *Orchestrator) supervise(st *engine.Stream, r *run, sess *persistence.Session) {
	defer o.wg.Done()
	<-st.Done()

	ctx := context.Background()
	r.mu.Lock()
	outcome := r.outcome
	failReason := r.failReason
	r.mu.Unlock()

	var to persistence.TaskStatus
	var reason, entry string
	switch {
	case st.Aborted():
		to, reason, entry = persistence.TaskStatusTodo, "aborted by user", "Aborted by user"
	case outcome == marker.OutcomeComplete:
		to, reason, entry = persistence.TaskStatusDone, "completed", "Completed successfully"
	case outcome == marker.OutcomeFailed:
		to, reason, entry = persistence.TaskStatusFailed, failReason, "Failed: "+failReason
	case st.Err() != nil:
		to, reason, entry = persistence.TaskStatusFailed, st.Err().Error(), "Failed: "+st.Err().Error()
	default:
		to = persistence.TaskStatusFailed
		reason = "No completion marker found"
		entry = "Failed: No completion marker found"
	}

	task, err := o.cfg.Store.TransitionTask(ctx, r.taskID, to, reason)
	if err != nil {
		o.cfg.Logger.Error("finalize task", "task_id", r.taskID, "to", to, "error", err)
	} else {
		o.appendProgress(r.taskID, entry)
		task.Progress = append(task.Progress, entry)
		o.publishTask(task, sess)
	}

	if o.cfg.Metrics != nil {
		switch to {
		case persistence.TaskStatusDone:
			o.cfg.Metrics.TasksCompleted.Add(ctx, 1)
		case persistence.TaskStatusFailed:
			o.cfg.Metrics.TasksFailed.Add(ctx, 1)
		}
	}
	o.cfg.Logger.Info("task finished",
		"task_id", r.taskID,
		"status", to,
		"reason", reason,
	)
	o.release(r.taskID)
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	delete(o.runs, taskID)
	o.mu.Unlock()
}

func (o *Orchestrator) appendProgress(taskID, entry string) {
	if _, err := o.cfg.Store.AppendTaskProgress(context.Background(), taskID, entry); err != nil {
		o.cfg.Logger.Error("append progress", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) broadcastTask(taskID string) {
	task, err := o.cfg.Store.GetTask(context.Background(), taskID)
	if err != nil {
		o.cfg.Logger.Error("load task for broadcast", "task_id", taskID, "error", err)
		return
	}
	o.publishTask(task, nil)
}

func (o *Orchestrator) publishTask(task *persistence.Task, sess *persistence.Session) {
	if o.cfg.Bus == nil {
		return
	}
	update := bus.TaskUpdate{Task: task}
	if sess != nil {
		update.Session = sess
	}
	o.cfg.Bus.Publish(bus.TopicTaskUpdate, update)
}

func spawnReason(retry bool) string {
	if retry {
		return "retry"
	}
	return "spawned"
}

// completedStages filters bookkeeping entries out of a progress log, leaving
// the stage names an earlier attempt reported.
func completedStages(progress []string) []string {
	var out []string
	for _, entry := range progress {
		switch {
		case entry == "Starting task...", entry == "Completed successfully", entry == "Aborted by user":
		case strings.HasPrefix(entry, "Failed: "):
		default:
			out = append(out, entry)
		}
	}
	return out
}

// buildPrompt renders the worker instructions. The marker protocol is the
// only structured channel the run reports through, so the prompt spells it
// out exactly.
func buildPrompt(task *persistence.Task, retry bool, priorStages []string) string {
	var b strings.Builder
	b.WriteString("You are executing a background task autonomously.\n\n")
	b.WriteString("Task: ")
	b.WriteString(task.Title)
	b.WriteString("\n\n")
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	b.WriteString("Report progress with these exact markers in your replies:\n")
	b.WriteString("- [STAGE: short stage name] each time you start a distinct stage. Reuse a stage name verbatim if you mention it again.\n")
	b.WriteString("- [TASK COMPLETE] once everything is finished and verified.\n")
	b.WriteString("- [TASK FAILED: reason] if you cannot finish; give a one-line reason.\n")
	b.WriteString("End with exactly one of the terminal markers.\n")
	if retry {
		b.WriteString("\nThis is a retry of a previous attempt that failed. Review what was already done in this conversation and continue from there rather than starting over.\n")
		if len(priorStages) > 0 {
			b.WriteString("Stages completed before the failure:\n")
			for _, stage := range priorStages {
				b.WriteString("- ")
				b.WriteString(stage)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
