package persistence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskTransitions_HappyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "Fix bug", "details", "/proj", "sonnet")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != TaskStatusTodo {
		t.Fatalf("status = %s, want todo", task.Status)
	}

	task, err = s.TransitionTask(ctx, task.ID, TaskStatusInProgress, "spawned")
	if err != nil {
		t.Fatalf("todo -> in_progress: %v", err)
	}
	if task.CompletedAt != nil {
		t.Fatal("completed_at set while running")
	}

	task, err = s.TransitionTask(ctx, task.ID, TaskStatusDone, "completion marker")
	if err != nil {
		t.Fatalf("in_progress -> done: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at not stamped on leaving in_progress")
	}
	if time.Since(*task.CompletedAt) > time.Minute {
		t.Fatalf("completed_at = %v, not recent", task.CompletedAt)
	}
}

func TestTaskTransitions_AbortGoesToTodo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "t", "", "/proj", "")
	if _, err := s.TransitionTask(ctx, task.ID, TaskStatusInProgress, ""); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	task, err := s.TransitionTask(ctx, task.ID, TaskStatusTodo, "aborted by user")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if task.Status != TaskStatusTodo {
		t.Fatalf("status = %s, want todo after abort", task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at should stamp whenever leaving in_progress")
	}
}

func TestTaskTransitions_RetryFromFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "t", "", "/proj", "")
	_, _ = s.TransitionTask(ctx, task.ID, TaskStatusInProgress, "")
	_, _ = s.TransitionTask(ctx, task.ID, TaskStatusFailed, "boom")

	if _, err := s.TransitionTask(ctx, task.ID, TaskStatusInProgress, "retry"); err != nil {
		t.Fatalf("failed -> in_progress: %v", err)
	}
}

func TestTaskTransitions_Invalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "t", "", "/proj", "")
	_, err := s.TransitionTask(ctx, task.ID, TaskStatusDone, "")
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	if te.From != TaskStatusTodo || te.To != TaskStatusDone {
		t.Fatalf("transition error %s -> %s, want todo -> done", te.From, te.To)
	}

	// done is terminal.
	_, _ = s.TransitionTask(ctx, task.ID, TaskStatusInProgress, "")
	_, _ = s.TransitionTask(ctx, task.ID, TaskStatusDone, "")
	if _, err := s.TransitionTask(ctx, task.ID, TaskStatusInProgress, ""); err == nil {
		t.Fatal("expected error transitioning out of done")
	}
}

func TestTaskTransitions_AuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "t", "", "/proj", "")
	_, _ = s.TransitionTask(ctx, task.ID, TaskStatusInProgress, "spawned")
	_, _ = s.TransitionTask(ctx, task.ID, TaskStatusFailed, "transcript not found")

	events, err := s.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[1].Reason != "transcript not found" {
		t.Fatalf("reason = %q", events[1].Reason)
	}
}

func TestTaskProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "t", "", "/proj", "")
	if err := s.SetTaskProgress(ctx, task.ID, []string{"Starting task..."}); err != nil {
		t.Fatalf("SetTaskProgress: %v", err)
	}
	progress, err := s.AppendTaskProgress(ctx, task.ID, "Research")
	if err != nil {
		t.Fatalf("AppendTaskProgress: %v", err)
	}
	if len(progress) != 2 || progress[1] != "Research" {
		t.Fatalf("progress = %v", progress)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if len(got.Progress) != 2 || got.Progress[0] != "Starting task..." {
		t.Fatalf("stored progress = %v", got.Progress)
	}
}

func TestTasksByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateTask(ctx, "a", "", "/proj", "")
	b, _ := s.CreateTask(ctx, "b", "", "/proj", "")
	_, _ = s.TransitionTask(ctx, a.ID, TaskStatusInProgress, "")

	running, err := s.TasksByStatus(ctx, TaskStatusInProgress)
	if err != nil {
		t.Fatalf("TasksByStatus: %v", err)
	}
	if len(running) != 1 || running[0].ID != a.ID {
		t.Fatalf("running = %v", running)
	}
	todo, _ := s.TasksByStatus(ctx, TaskStatusTodo)
	if len(todo) != 1 || todo[0].ID != b.ID {
		t.Fatalf("todo = %v", todo)
	}
}

func TestSetTaskSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx, "", "/proj", "", "task")
	task, _ := s.CreateTask(ctx, "t", "", "/proj", "")
	if err := s.SetTaskSession(ctx, task.ID, sess.ID); err != nil {
		t.Fatalf("SetTaskSession: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.SessionID != sess.ID {
		t.Fatalf("SessionID = %q, want %q", got.SessionID, sess.ID)
	}
}
