package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IndexLogEntry records one published index symlink. RunID is the run that
// published the link. SourceRunID is the run whose directory holds the
// target; it differs from RunID when a cache hit publishes another run's
// outputs. IndexPath is relative to the index root; TargetPath is relative
// to the source run's directory.
type IndexLogEntry struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	SourceRunID string    `json:"source_run_id"`
	IndexPath   string    `json:"index_path"`
	TargetPath  string    `json:"target_path"`
	CreatedAt   time.Time `json:"created_at"`
}

const indexLogColumns = `entry_id, run_id, COALESCE(source_run_id, run_id), index_path, target_path, created_at`

// AppendIndexLog appends e. A zero CreatedAt is set to now and an empty
// SourceRunID to RunID.
func AppendIndexLog(ctx context.Context, db *sql.DB, e *IndexLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.SourceRunID == "" {
		e.SourceRunID = e.RunID
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO index_log (run_id, source_run_id, index_path, target_path, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, e.SourceRunID, e.IndexPath, e.TargetPath, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append index log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// LatestIndexEntries returns the most recent entry for every index path,
// ordered by index path. With a non-empty runID only locations whose latest
// entry belongs to that run are returned.
func LatestIndexEntries(ctx context.Context, db *sql.DB, runID string) ([]IndexLogEntry, error) {
	query := `SELECT l.entry_id, l.run_id, COALESCE(l.source_run_id, l.run_id), l.index_path, l.target_path, l.created_at
		FROM index_log l
		JOIN (SELECT index_path, MAX(entry_id) AS entry_id FROM index_log GROUP BY index_path) latest
		  ON latest.entry_id = l.entry_id`
	var args []any
	if runID != "" {
		query += ` WHERE l.run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY l.index_path`
	return queryIndexLog(ctx, db, query, args...)
}

// ListIndexLog returns every entry (for runID, when set) in append order.
func ListIndexLog(ctx context.Context, db *sql.DB, runID string) ([]IndexLogEntry, error) {
	query := `SELECT ` + indexLogColumns + ` FROM index_log`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY entry_id`
	return queryIndexLog(ctx, db, query, args...)
}

func queryIndexLog(ctx context.Context, db *sql.DB, query string, args ...any) ([]IndexLogEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query index log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []IndexLogEntry
	for rows.Next() {
		var e IndexLogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.SourceRunID, &e.IndexPath, &e.TargetPath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan index log: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index log: %w", err)
	}
	return out, nil
}
