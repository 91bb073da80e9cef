package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run is one submitted workflow execution.
type Run struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Name        string          `json:"name"`
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Status      RunStatus       `json:"status"`
	Inputs      json.RawMessage `json:"inputs"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
	Error       string          `json:"error,omitempty"`
	WorkDir     string          `json:"work_dir"`
	IndexDir    string          `json:"index_dir,omitempty"`
	CacheKey    string          `json:"cache_key,omitempty"`
	Cached      bool            `json:"cached"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `run_id, session_id, name, source, target, status, inputs, outputs,
	error, work_dir, index_dir, cache_key, cached, created_at, started_at, completed_at`

// CreateRun inserts r. A zero CreatedAt is set to now and an empty status
// defaults to queued.
func CreateRun(ctx context.Context, db *sql.DB, r *Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	if err := ValidateRunStatus(r.Status); err != nil {
		return err
	}
	inputs := r.Inputs
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Name, r.Source, r.Target, string(r.Status), string(inputs),
		nullRaw(r.Outputs), nullString(r.Error), r.WorkDir, nullString(r.IndexDir),
		nullString(r.CacheKey), r.Cached, formatTime(r.CreatedAt),
		nullTime(r.StartedAt), nullTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun returns the run with id, or ErrNotFound.
func GetRun(ctx context.Context, db *sql.DB, id string) (*Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// RunFilter narrows ListRuns. Empty fields match everything.
type RunFilter struct {
	Status    RunStatus
	SessionID string
	Page
}

// ListRuns returns runs newest first, plus the total count matching f.
func ListRuns(ctx context.Context, db *sql.DB, f RunFilter) ([]Run, int, error) {
	var w where
	if f.Status != "" {
		if err := ValidateRunStatus(f.Status); err != nil {
			return nil, 0, err
		}
		w.add("status = ?", string(f.Status))
	}
	if f.SessionID != "" {
		w.add("session_id = ?", f.SessionID)
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit, largs := f.Page.clause()
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+w.String()+` ORDER BY created_at DESC, run_id`+limit,
		append(append([]any{}, w.args...), largs...)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return out, total, nil
}

// CountRuns returns the number of runs in status s.
func CountRuns(ctx context.Context, db *sql.DB, s RunStatus) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status = ?`, string(s)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// RunUpdate carries the optional columns written alongside a transition.
// Nil fields are left unchanged.
type RunUpdate struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Outputs     json.RawMessage
	Error       *string
	IndexDir    *string
	CacheKey    *string
	Cached      *bool
}

// TransitionRun moves run id to status to, validating the move against the
// persisted status in the same transaction. Returns ErrNotFound for an
// unknown id and a *TransitionError for a disallowed move.
func TransitionRun(ctx context.Context, db *sql.DB, id string, to RunStatus, upd RunUpdate) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	if err := ValidateRunTransition(RunStatus(from), to); err != nil {
		return err
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*upd.CompletedAt))
	}
	if upd.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(upd.Outputs))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*upd.Error))
	}
	if upd.IndexDir != nil {
		sets = append(sets, "index_dir = ?")
		args = append(args, nullString(*upd.IndexDir))
	}
	if upd.CacheKey != nil {
		sets = append(sets, "cache_key = ?")
		args = append(args, nullString(*upd.CacheKey))
	}
	if upd.Cached != nil {
		sets = append(sets, "cached = ?")
		args = append(args, *upd.Cached)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE run_id = ?`, args...); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run update: %w", err)
	}
	return nil
}

// FailOrphanedRuns marks queued, running or canceling runs failed with
// message when their session last heartbeated before staleBefore. Runs of
// live sessions, in this process or another, are left alone. Orphaned runs
// have no owner to transition them, so transition validation is bypassed.
func FailOrphanedRuns(ctx context.Context, db *sql.DB, message string, now, staleBefore time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ?
		 WHERE status IN (?, ?, ?)
		   AND session_id IN (
		     SELECT session_id FROM sessions
		     WHERE COALESCE(heartbeat_at, created_at) < ?)`,
		string(RunFailed), message, formatTime(now),
		string(RunQueued), string(RunRunning), string(RunCanceling),
		formatTime(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("fail orphaned runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail orphaned runs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var (
		r                              Run
		status, inputs, createdAt      string
		outputs, errMsg, indexDir, key sql.NullString
		startedAt, completedAt         sql.NullString
	)
	if err := s.Scan(&r.ID, &r.SessionID, &r.Name, &r.Source, &r.Target, &status, &inputs,
		&outputs, &errMsg, &r.WorkDir, &indexDir, &key, &r.Cached, &createdAt,
		&startedAt, &completedAt); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.Inputs = json.RawMessage(inputs)
	if outputs.Valid {
		r.Outputs = json.RawMessage(outputs.String)
	}
	r.Error = errMsg.String
	r.IndexDir = indexDir.String
	r.CacheKey = key.String

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
