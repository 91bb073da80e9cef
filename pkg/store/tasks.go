package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task is one unit of work inside a run.
type Task struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	ExitStatus  *int       `json:"exit_status,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskLog is one captured output line.
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Stream    Stream    `json:"stream"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

const taskColumns = `task_id, run_id, name, status, exit_status, error, created_at, started_at, completed_at`

// CreateTask inserts a pending task and returns it with its id.
func CreateTask(ctx context.Context, db *sql.DB, runID, name string, at time.Time) (*Task, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO tasks (run_id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		runID, name, string(TaskPending), formatTime(at))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &Task{ID: id, RunID: runID, Name: name, Status: TaskPending, CreatedAt: at.UTC()}, nil
}

// TaskUpdate carries the columns to change. Nil fields are left unchanged.
type TaskUpdate struct {
	Status      TaskStatus
	ExitStatus  *int
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UpdateTask applies upd to task id.
func UpdateTask(ctx context.Context, db *sql.DB, id int64, upd TaskUpdate) error {
	var sets []string
	var args []any
	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(upd.Status))
	}
	if upd.ExitStatus != nil {
		sets = append(sets, "exit_status = ?")
		args = append(args, *upd.ExitStatus)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*upd.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE task_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetTask returns the task named name in run runID, or ErrNotFound.
func GetTask(ctx context.Context, db *sql.DB, runID, name string) (*Task, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE run_id = ? AND name = ?`, runID, name)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s in run %s: %w", name, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	RunID  string
	Status TaskStatus
	Page
}

// ListTasks returns tasks in creation order, plus the total count.
func ListTasks(ctx context.Context, db *sql.DB, f TaskFilter) ([]Task, int, error) {
	var w where
	if f.RunID != "" {
		w.add("run_id = ?", f.RunID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit, largs := f.Page.clause()
	rows, err := db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+w.String()+` ORDER BY task_id`+limit,
		append(append([]any{}, w.args...), largs...)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, total, nil
}

// AppendTaskLog records one output line for task id.
func AppendTaskLog(ctx context.Context, db *sql.DB, taskID int64, stream Stream, message string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, stream, message, created_at) VALUES (?, ?, ?, ?)`,
		taskID, string(stream), message, formatTime(at))
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// LogFilter narrows ListTaskLogs. An empty Stream matches both streams.
type LogFilter struct {
	TaskID int64
	Stream Stream
	Page
}

// ListTaskLogs returns log lines in arrival order, plus the total count.
func ListTaskLogs(ctx context.Context, db *sql.DB, f LogFilter) ([]TaskLog, int, error) {
	var w where
	w.add("task_id = ?", f.TaskID)
	if f.Stream != "" {
		w.add("stream = ?", string(f.Stream))
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_logs`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task logs: %w", err)
	}

	limit, largs := f.Page.clause()
	rows, err := db.QueryContext(ctx,
		`SELECT log_id, task_id, stream, message, created_at FROM task_logs`+w.String()+` ORDER BY log_id`+limit,
		append(append([]any{}, w.args...), largs...)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list task logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		var stream, createdAt string
		if err := rows.Scan(&l.ID, &l.TaskID, &stream, &l.Message, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan task log: %w", err)
		}
		l.Stream = Stream(stream)
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate task logs: %w", err)
	}
	return out, total, nil
}

func scanTask(s rowScanner) (*Task, error) {
	var (
		t                      Task
		status, createdAt      string
		exitStatus             sql.NullInt64
		errMsg                 sql.NullString
		startedAt, completedAt sql.NullString
	)
	if err := s.Scan(&t.ID, &t.RunID, &t.Name, &status, &exitStatus, &errMsg,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	if exitStatus.Valid {
		code := int(exitStatus.Int64)
		t.ExitStatus = &code
	}
	t.Error = errMsg.String

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
