package persistence

import (
	"context"
	"testing"
	"time"
)

func TestSchedules_DueAndRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sched, err := s.CreateSchedule(ctx, &Schedule{
		Name:     "nightly",
		CronExpr: "0 3 * * *",
		Title:    "Nightly cleanup",
		Cwd:      "/proj",
	}, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	due, err := s.DueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	if len(due) != 1 || due[0].ID != sched.ID {
		t.Fatalf("due = %v, want the created schedule", due)
	}

	next := now.Add(24 * time.Hour)
	if err := s.UpdateScheduleRun(ctx, sched.ID, now, next); err != nil {
		t.Fatalf("UpdateScheduleRun: %v", err)
	}

	due, _ = s.DueSchedules(ctx, now)
	if len(due) != 0 {
		t.Fatalf("due after run = %v, want empty", due)
	}

	got, _ := s.GetSchedule(ctx, sched.ID)
	if got.LastRunAt == nil {
		t.Fatal("LastRunAt not set")
	}
}

func TestSchedules_RequiredFields(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateSchedule(context.Background(), &Schedule{Name: "x"}, time.Now()); err == nil {
		t.Fatal("expected error for missing fields")
	}
}
