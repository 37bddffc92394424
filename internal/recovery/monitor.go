// Package recovery reconciles tasks left in_progress by a previous process
// lifetime. The scanner runs once at boot and classifies each orphan from its
// transcript and process liveness; tasks still running externally are handed
// to the monitor, which polls the transcript until a terminal marker or a
// wall-clock timeout.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oakline/deskd/internal/agent"
	"github.com/oakline/deskd/internal/bus"
	"github.com/oakline/deskd/internal/marker"
	otelpkg "github.com/oakline/deskd/internal/otel"
	"github.com/oakline/deskd/internal/persistence"
)

// ErrNotMonitored is returned by Cancel for tasks the monitor does not hold.
var ErrNotMonitored = errors.New("task is not monitored")

// MonitorConfig holds the monitor's dependencies.
type MonitorConfig struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics

	// Interval between transcript re-reads.
	Interval time.Duration
	// Timeout forces failed("timed out") when no terminal marker appears.
	Timeout time.Duration

	// ReadTranscript is swapped in tests.
	ReadTranscript func(path string) (string, error)
}

// watched is the transient monitoring state of one recovered task.
type watched struct {
	taskID    string
	path      string
	startedAt time.Time
	cancel    chan struct{}

	mu   sync.Mutex
	seen []string
}

// Monitor polls recovered tasks until they resolve.
type Monitor struct {
	cfg MonitorConfig

	mu      sync.Mutex
	watched map[string]*watched
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Minute
	}
	if cfg.ReadTranscript == nil {
		cfg.ReadTranscript = agent.ReadTranscriptText
	}
	return &Monitor{cfg: cfg, watched: make(map[string]*watched)}
}

// Watch begins polling a task's transcript. seenStages seeds stage dedup so
// progress entries already merged by the boot scan are not re-appended.
func (m *Monitor) Watch(taskID, transcriptPath string, seenStages []string) {
	w := &watched{
		taskID:    taskID,
		path:      transcriptPath,
		startedAt: time.Now(),
		cancel:    make(chan struct{}),
		seen:      append([]string(nil), seenStages...),
	}
	m.mu.Lock()
	if _, ok := m.watched[taskID]; ok {
		m.mu.Unlock()
		return
	}
	m.watched[taskID] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(w)
}

// IsMonitored reports whether the task is being polled.
func (m *Monitor) IsMonitored(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[taskID]
	return ok
}

// Cancel aborts a monitored task: polling stops and the task returns to
// todo. An abort is never a failure.
func (m *Monitor) Cancel(taskID string) error {
	m.mu.Lock()
	w, ok := m.watched[taskID]
	if ok {
		delete(m.watched, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotMonitored
	}
	close(w.cancel)

	ctx := context.Background()
	task, err := m.cfg.Store.TransitionTask(ctx, taskID, persistence.TaskStatusTodo, "aborted by user")
	if err != nil {
		return err
	}
	if progress, perr := m.cfg.Store.AppendTaskProgress(ctx, taskID, "Aborted by user"); perr == nil {
		task.Progress = progress
	}
	publishTask(m.cfg.Bus, task)
	m.cfg.Logger.Info("monitored task aborted", "task_id", taskID)
	return nil
}

// Stop halts all polling without changing any task's status and waits for
// the loops to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for id, w := range m.watched {
		close(w.cancel)
		delete(m.watched, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(w *watched) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.cancel:
			return
		case <-ticker.C:
			if m.pollOnce(w) {
				m.remove(w.taskID)
				return
			}
			if time.Since(w.startedAt) >= m.cfg.Timeout {
				m.finalize(w.taskID, persistence.TaskStatusFailed, "timed out")
				m.remove(w.taskID)
				return
			}
		}
	}
}

// pollOnce re-reads the whole transcript and reports whether the task
// reached a terminal state. Whole-file re-reads are crash-immune; missed
// filesystem events can never lose a marker.
func (m *Monitor) pollOnce(w *watched) bool {
	text, err := m.cfg.ReadTranscript(w.path)
	if err != nil {
		// The external process may still be mid-write; try again next tick.
		m.cfg.Logger.Warn("poll transcript", "task_id", w.taskID, "error", err)
		return false
	}
	stages, outcome, failReason := marker.Scan(text)

	w.mu.Lock()
	fresh := marker.NewStages(w.seen, stages)
	w.seen = append(w.seen, fresh...)
	w.mu.Unlock()

	ctx := context.Background()
	for _, stage := range fresh {
		if _, err := m.cfg.Store.AppendTaskProgress(ctx, w.taskID, stage); err != nil {
			m.cfg.Logger.Error("append stage", "task_id", w.taskID, "error", err)
		}
	}
	if len(fresh) > 0 && outcome == marker.OutcomeNone {
		if task, err := m.cfg.Store.GetTask(ctx, w.taskID); err == nil {
			publishTask(m.cfg.Bus, task)
		}
	}

	switch outcome {
	case marker.OutcomeComplete:
		m.finalize(w.taskID, persistence.TaskStatusDone, "completed")
		return true
	case marker.OutcomeFailed:
		m.finalize(w.taskID, persistence.TaskStatusFailed, failReason)
		return true
	}
	return false
}

func (m *Monitor) remove(taskID string) {
	m.mu.Lock()
	delete(m.watched, taskID)
	m.mu.Unlock()
}

func (m *Monitor) finalize(taskID string, to persistence.TaskStatus, reason string) {
	finalizeTask(m.cfg.Store, m.cfg.Bus, m.cfg.Logger, taskID, to, reason)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecoveryOutcomes.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", "monitor_"+string(to))))
	}
}

// finalizeTask moves a task to its terminal status, appends the matching
// progress entry, and broadcasts the full row.
func finalizeTask(store *persistence.Store, b *bus.Bus, logger *slog.Logger, taskID string, to persistence.TaskStatus, reason string) {
	ctx := context.Background()
	task, err := store.TransitionTask(ctx, taskID, to, reason)
	if err != nil {
		logger.Error("finalize recovered task", "task_id", taskID, "to", to, "error", err)
		return
	}
	entry := "Failed: " + reason
	if to == persistence.TaskStatusDone {
		entry = "Completed successfully"
	}
	if progress, perr := store.AppendTaskProgress(ctx, taskID, entry); perr == nil {
		task.Progress = progress
	}
	publishTask(b, task)
	logger.Info("recovered task resolved", "task_id", taskID, "status", to, "reason", reason)
}

func publishTask(b *bus.Bus, task *persistence.Task) {
	if b != nil {
		b.Publish(bus.TopicTaskUpdate, bus.TaskUpdate{Task: task})
	}
}
