package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a declarative unit of autonomous work. Progress is an ordered
// stage log, starting with "Starting task..." when spawned.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Cwd         string     `json:"cwd"`
	Status      TaskStatus `json:"status"`
	SessionID   string     `json:"session_id,omitempty"`
	Model       string     `json:"model,omitempty"`
	Progress    []string   `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const taskColumns = `id, title, description, cwd, status, COALESCE(session_id, ''), model, progress, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	var t Task
	var progress string
	var completed sql.NullTime
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Cwd, &t.Status, &t.SessionID, &t.Model, &progress, &t.CreatedAt, &t.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	if err := json.Unmarshal([]byte(progress), &t.Progress); err != nil {
		t.Progress = nil
	}
	return &t, nil
}

// CreateTask inserts a new task in status todo.
func (s *Store) CreateTask(ctx context.Context, title, description, cwd, model string) (*Task, error) {
	if title == "" {
		return nil, fmt.Errorf("create task: title required")
	}
	if cwd == "" {
		return nil, fmt.Errorf("create task: cwd required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, cwd, model)
			VALUES (?, ?, ?, ?, ?);
		`, id, title, description, cwd, model)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TasksByStatus returns all tasks in the given status, oldest first. The
// boot recovery scanner uses this to find leftover in_progress rows.
func (s *Store) TasksByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask updates editable fields. Only tasks not currently running may
// change cwd; the caller enforces that.
func (s *Store) UpdateTask(ctx context.Context, id, title, description, cwd, model string) (*Task, error) {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, cwd = ?, model = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, title, description, cwd, model, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		return err
	})
}

// SetTaskSession links the task to its spawned session.
func (s *Store) SetTaskSession(ctx context.Context, taskID, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID, taskID)
		return err
	})
}

// TransitionTask moves a task through the state machine, appends an audit
// row, and stamps completed_at whenever the task leaves in_progress.
// Returns the updated task.
func (s *Store) TransitionTask(ctx context.Context, id string, to TaskStatus, reason string) (*Task, error) {
	var updated *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var from TaskStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}

		next, ok := allowedTransitions[from]
		if !ok {
			return &TransitionError{TaskID: id, From: from, To: to}
		}
		if _, ok := next[to]; !ok {
			return &TransitionError{TaskID: id, From: from, To: to}
		}

		if from == TaskStatusInProgress {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, to, id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, to, id)
		}
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, from_status, to_status, reason)
			VALUES (?, ?, ?, ?);
		`, id, from, to, reason); err != nil {
			return fmt.Errorf("append task event: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	updated, err = s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetTaskProgress replaces the whole progress log.
func (s *Store) SetTaskProgress(ctx context.Context, id string, progress []string) error {
	encoded, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET progress = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(encoded), id)
		return err
	})
}

// AppendTaskProgress appends one entry and returns the updated log.
func (s *Store) AppendTaskProgress(ctx context.Context, id, entry string) ([]string, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	progress := append(t.Progress, entry)
	if err := s.SetTaskProgress(ctx, id, progress); err != nil {
		return nil, err
	}
	return progress, nil
}

// TaskEventRow is one audit entry from the task_events table.
type TaskEventRow struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ListTaskEvents returns the audit trail for a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, reason, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEventRow
	for rows.Next() {
		var ev TaskEventRow
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
