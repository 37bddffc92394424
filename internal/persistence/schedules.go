package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring task template fired by the cron scheduler.
type Schedule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CronExpr    string     `json:"cron_expr"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Cwd         string     `json:"cwd"`
	Model       string     `json:"model,omitempty"`
	Enabled     bool       `json:"enabled"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
}

// CreateSchedule inserts a recurring task template. nextRun should come from
// parsing cronExpr against the current time.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule, nextRun time.Time) (*Schedule, error) {
	if sched.Name == "" || sched.CronExpr == "" || sched.Title == "" || sched.Cwd == "" {
		return nil, fmt.Errorf("create schedule: name, cron_expr, title and cwd required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, title, description, cwd, model, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?);
		`, id, sched.Name, sched.CronExpr, sched.Title, sched.Description, sched.Cwd, sched.Model, nextRun)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return s.GetSchedule(ctx, id)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, cron_expr, title, description, cwd, model, enabled, last_run_at, next_run_at
		FROM schedules WHERE id = ?;
	`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return sched, nil
}

func scanSchedule(row interface{ Scan(...interface{}) error }) (*Schedule, error) {
	var sched Schedule
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.Title, &sched.Description, &sched.Cwd, &sched.Model, &sched.Enabled, &lastRun, &nextRun); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return &sched, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, title, description, cwd, model, enabled, last_run_at, next_run_at
		FROM schedules ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
		return err
	})
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, title, description, cwd, model, enabled, last_run_at, next_run_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun stamps the last run and schedules the next one.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, ranAt, nextRun, id)
		return err
	})
}
