package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oakline/deskd/internal/agent"
	"github.com/oakline/deskd/internal/bus"
	"github.com/oakline/deskd/internal/marker"
	otelpkg "github.com/oakline/deskd/internal/otel"
	"github.com/oakline/deskd/internal/persistence"
)

// ScannerConfig holds the boot scanner's dependencies.
type ScannerConfig struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics

	// TranscriptRoot is the agent backend's per-project transcript tree.
	TranscriptRoot string
	Monitor        *Monitor

	// ProcessAlive and ReadTranscript are swapped in tests.
	ProcessAlive   func(conversationID string) bool
	ReadTranscript func(path string) (string, error)
}

// Scanner resolves tasks orphaned in_progress by a crash or restart.
type Scanner struct {
	cfg ScannerConfig
}

// NewScanner creates a Scanner.
func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProcessAlive == nil {
		cfg.ProcessAlive = agent.ProcessAlive
	}
	if cfg.ReadTranscript == nil {
		cfg.ReadTranscript = agent.ReadTranscriptText
	}
	return &Scanner{cfg: cfg}
}

// Run scans once over every in_progress task. Each task resolves
// independently; one bad row never blocks the rest of the scan.
func (s *Scanner) Run(ctx context.Context) error {
	tasks, err := s.cfg.Store.TasksByStatus(ctx, persistence.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("scan in_progress tasks: %w", err)
	}
	if len(tasks) == 0 {
		s.cfg.Logger.Info("recovery scan: nothing to recover")
		return nil
	}
	s.cfg.Logger.Info("recovery scan started", "tasks", len(tasks))

	for i := range tasks {
		outcome := s.recoverOne(ctx, &tasks[i])
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecoveryOutcomes.Add(ctx, 1,
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
	return nil
}

// recoverOne classifies one orphaned task and returns the outcome label.
func (s *Scanner) recoverOne(ctx context.Context, task *persistence.Task) string {
	logger := s.cfg.Logger.With("task_id", task.ID)

	conversationID, err := s.conversationID(ctx, task)
	if err != nil {
		finalizeTask(s.cfg.Store, s.bus(), logger, task.ID, persistence.TaskStatusFailed, "no session to recover")
		return "no_session"
	}

	path := agent.TranscriptPath(s.cfg.TranscriptRoot, task.Cwd, conversationID)
	text, err := s.cfg.ReadTranscript(path)
	if err != nil {
		finalizeTask(s.cfg.Store, s.bus(), logger, task.ID, persistence.TaskStatusFailed, "transcript not found")
		return "no_transcript"
	}

	stages, outcome, failReason := marker.Scan(text)
	fresh := marker.NewStages(task.Progress, stages)
	for _, stage := range fresh {
		if progress, perr := s.cfg.Store.AppendTaskProgress(ctx, task.ID, stage); perr == nil {
			task.Progress = progress
		}
	}

	switch outcome {
	case marker.OutcomeComplete:
		finalizeTask(s.cfg.Store, s.bus(), logger, task.ID, persistence.TaskStatusDone, "completed while offline")
		return "done"
	case marker.OutcomeFailed:
		finalizeTask(s.cfg.Store, s.bus(), logger, task.ID, persistence.TaskStatusFailed, failReason)
		return "failed"
	}

	if !s.cfg.ProcessAlive(conversationID) {
		finalizeTask(s.cfg.Store, s.bus(), logger, task.ID, persistence.TaskStatusFailed, "process not found")
		return "no_process"
	}

	// Still running externally: hand off to the poll monitor. The possibly
	// stale progress goes out now so an opened board view is never empty.
	if current, gerr := s.cfg.Store.GetTask(ctx, task.ID); gerr == nil {
		publishTask(s.bus(), current)
	}
	s.cfg.Monitor.Watch(task.ID, path, task.Progress)
	logger.Info("recovered task still running, polling", "transcript", path)
	return "monitored"
}

// conversationID resolves the external conversation id through the linked
// session. Any gap in the chain means there is nothing to recover.
func (s *Scanner) conversationID(ctx context.Context, task *persistence.Task) (string, error) {
	if task.SessionID == "" {
		return "", errors.New("task has no session")
	}
	sess, err := s.cfg.Store.GetSession(ctx, task.SessionID)
	if err != nil {
		return "", err
	}
	if sess.ConversationID == "" {
		return "", errors.New("session has no conversation id")
	}
	return sess.ConversationID, nil
}

func (s *Scanner) bus() *bus.Bus { return s.cfg.Bus }
