package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session groups the runs submitted by one invocation (a `run` command or
// a server process). The owning process refreshes HeartbeatAt while it is
// alive.
type Session struct {
	ID          string    `json:"id"`
	Subcommand  string    `json:"subcommand"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

const sessionColumns = `session_id, subcommand, created_by, created_at, COALESCE(heartbeat_at, created_at)`

// CreateSession inserts s. A zero CreatedAt is set to now; a zero
// HeartbeatAt is set to CreatedAt.
func CreateSession(ctx context.Context, db *sql.DB, s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.HeartbeatAt.IsZero() {
		s.HeartbeatAt = s.CreatedAt
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, subcommand, created_by, created_at, heartbeat_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Subcommand, s.CreatedBy, formatTime(s.CreatedAt), formatTime(s.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// TouchSession records that the session's process is still alive.
func TouchSession(ctx context.Context, db *sql.DB, id string, now time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET heartbeat_at = ? WHERE session_id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession returns the session with id, or ErrNotFound.
func GetSession(ctx context.Context, db *sql.DB, id string) (*Session, error) {
	s, err := scanSession(db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions newest first, plus the total count.
func ListSessions(ctx context.Context, db *sql.DB, page Page) ([]Session, int, error) {
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	limit, args := page.clause()
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions ORDER BY created_at DESC, session_id`+limit, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, total, nil
}

func scanSession(s rowScanner) (*Session, error) {
	var sess Session
	var createdAt, heartbeatAt string
	if err := s.Scan(&sess.ID, &sess.Subcommand, &sess.CreatedBy, &createdAt, &heartbeatAt); err != nil {
		return nil, err
	}
	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.HeartbeatAt, err = parseTime(heartbeatAt); err != nil {
		return nil, err
	}
	return &sess, nil
}
