package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenAndMigrate(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedRun(t *testing.T, db *sql.DB, id string, created time.Time) *Run {
	t.Helper()
	ctx := context.Background()
	if _, err := GetSession(ctx, db, "s1"); errors.Is(err, ErrNotFound) {
		require.NoError(t, CreateSession(ctx, db, &Session{ID: "s1", Subcommand: "server", CreatedBy: "tester"}))
	}
	r := &Run{
		ID:        id,
		SessionID: "s1",
		Name:      "hello-" + id,
		Source:    "/tmp/hello.yaml",
		Target:    "hello",
		Inputs:    json.RawMessage(`{"who":"world"}`),
		WorkDir:   "/tmp/runs/" + id,
		CreatedAt: created,
	}
	require.NoError(t, CreateRun(ctx, db, r))
	return r
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Config{Path: filepath.Join(dir, "nested", "db.sqlite")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "nested", "db.sqlite"), dsn)
	assert.DirExists(t, filepath.Join(dir, "nested"))

	dsn, err = buildDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=tok", dsn)

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, Migrate(context.Background(), db))

	var v int
	require.NoError(t, db.QueryRow(`SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v))
	assert.Equal(t, SchemaVersion, v)
}

func TestMigrate_UpgradesVersion1(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{
		`CREATE TABLE schema_meta (id INTEGER PRIMARY KEY CHECK (id = 1), schema_version INTEGER NOT NULL)`,
		`INSERT INTO schema_meta (id, schema_version) VALUES (1, 1)`,
		`CREATE TABLE sessions (session_id TEXT PRIMARY KEY, subcommand TEXT NOT NULL, created_by TEXT NOT NULL, created_at TEXT NOT NULL)`,
		`INSERT INTO sessions VALUES ('old', 'server', 'me', '2026-01-02T03:04:05.000000000Z')`,
		`CREATE TABLE index_log (entry_id INTEGER PRIMARY KEY AUTOINCREMENT, run_id TEXT NOT NULL, index_path TEXT NOT NULL, target_path TEXT NOT NULL, created_at TEXT NOT NULL)`,
		`INSERT INTO index_log (run_id, index_path, target_path, created_at) VALUES ('r1', 'latest/a', 'out/a', '2026-01-02T03:04:05.000000000Z')`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	require.NoError(t, Migrate(ctx, db))

	s, err := GetSession(ctx, db, "old")
	require.NoError(t, err)
	assert.True(t, s.HeartbeatAt.Equal(s.CreatedAt))

	entries, err := ListIndexLog(ctx, db, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].SourceRunID)
}

func TestOpen_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "database.db")

	db, err := OpenAndMigrate(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, CreateSession(ctx, db, &Session{ID: "s", Subcommand: "run", CreatedBy: "me"}))
	require.NoError(t, db.Close())

	db, err = OpenAndMigrate(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s, err := GetSession(ctx, db, "s")
	require.NoError(t, err)
	assert.Equal(t, "run", s.Subcommand)
}

func TestRun_CreateGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	seedRun(t, db, "r1", created)

	got, err := GetRun(context.Background(), db, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunQueued, got.Status)
	assert.Equal(t, "hello-r1", got.Name)
	assert.JSONEq(t, `{"who":"world"}`, string(got.Inputs))
	assert.Nil(t, got.Outputs)
	assert.Nil(t, got.StartedAt)
	assert.False(t, got.Cached)
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = GetRun(context.Background(), db, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionRun(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRun(t, db, "r1", time.Now())

	now := time.Now().UTC()
	key := "abc"
	require.NoError(t, TransitionRun(ctx, db, "r1", RunRunning, RunUpdate{StartedAt: &now, CacheKey: &key}))

	cached := true
	require.NoError(t, TransitionRun(ctx, db, "r1", RunCompleted, RunUpdate{
		CompletedAt: &now,
		Outputs:     json.RawMessage(`{"greeting":"out/hello.txt"}`),
		Cached:      &cached,
	}))

	got, err := GetRun(ctx, db, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, "abc", got.CacheKey)
	assert.True(t, got.Cached)
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"greeting":"out/hello.txt"}`, string(got.Outputs))

	// Terminal states are immutable.
	err = TransitionRun(ctx, db, "r1", RunFailed, RunUpdate{})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, RunCompleted, te.From)

	assert.ErrorIs(t, TransitionRun(ctx, db, "nope", RunRunning, RunUpdate{}), ErrNotFound)
}

func TestValidateRunTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunCanceling, true},
		{RunRunning, RunCanceling, true},
		{RunCanceling, RunCanceled, true},
		{RunRunning, RunQueued, false},
		{RunCanceling, RunCompleted, false},
		{RunCanceled, RunRunning, false},
		{RunQueued, "bogus", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateRunTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestListRuns_FiltersAndPages(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		seedRun(t, db, id, base.Add(time.Duration(i)*time.Minute))
	}
	now := time.Now()
	require.NoError(t, TransitionRun(ctx, db, "b", RunRunning, RunUpdate{StartedAt: &now}))

	runs, total, err := ListRuns(ctx, db, RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, runs, 4)
	assert.Equal(t, "d", runs[0].ID)

	runs, total, err = ListRuns(ctx, db, RunFilter{Page: Page{Limit: 2, Offset: 1}})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	runs, total, err = ListRuns(ctx, db, RunFilter{Status: RunRunning})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "b", runs[0].ID)

	_, total, err = ListRuns(ctx, db, RunFilter{SessionID: "other"})
	require.NoError(t, err)
	assert.Zero(t, total)

	_, _, err = ListRuns(ctx, db, RunFilter{Status: "weird"})
	assert.Error(t, err)
}

func TestFailOrphanedRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now().UTC()

	require.NoError(t, CreateSession(ctx, db, &Session{
		ID: "dead", Subcommand: "server", CreatedAt: now.Add(-2 * time.Hour), HeartbeatAt: now.Add(-time.Hour),
	}))
	for _, id := range []string{"q", "r", "c", "done"} {
		require.NoError(t, CreateRun(ctx, db, &Run{
			ID: id, SessionID: "dead", Name: id, Source: "/tmp/hello.yaml", WorkDir: "/tmp/runs/" + id, CreatedAt: now,
		}))
	}
	require.NoError(t, TransitionRun(ctx, db, "r", RunRunning, RunUpdate{StartedAt: &now}))
	require.NoError(t, TransitionRun(ctx, db, "c", RunCanceling, RunUpdate{}))
	require.NoError(t, TransitionRun(ctx, db, "done", RunRunning, RunUpdate{}))
	require.NoError(t, TransitionRun(ctx, db, "done", RunCompleted, RunUpdate{}))

	// s1 heartbeats now; its runs belong to a live process.
	seedRun(t, db, "live", now)
	require.NoError(t, TransitionRun(ctx, db, "live", RunRunning, RunUpdate{StartedAt: &now}))

	n, err := FailOrphanedRuns(ctx, db, "interrupted by server restart", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, id := range []string{"q", "r", "c"} {
		got, err := GetRun(ctx, db, id)
		require.NoError(t, err)
		assert.Equal(t, RunFailed, got.Status, id)
		assert.Equal(t, "interrupted by server restart", got.Error)
	}
	got, err := GetRun(ctx, db, "done")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	got, err = GetRun(ctx, db, "live")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
}

func TestTouchSession(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, CreateSession(ctx, db, &Session{ID: "s", Subcommand: "run", CreatedAt: created}))

	got, err := GetSession(ctx, db, "s")
	require.NoError(t, err)
	assert.True(t, got.HeartbeatAt.Equal(created))

	later := created.Add(30 * time.Minute)
	require.NoError(t, TouchSession(ctx, db, "s", later))
	got, err = GetSession(ctx, db, "s")
	require.NoError(t, err)
	assert.True(t, got.HeartbeatAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(created))

	assert.ErrorIs(t, TouchSession(ctx, db, "missing", later), ErrNotFound)
}

func TestTasksAndLogs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRun(t, db, "r1", time.Now())

	now := time.Now().UTC()
	task, err := CreateTask(ctx, db, "r1", "greet", now)
	require.NoError(t, err)
	assert.NotZero(t, task.ID)

	_, err = CreateTask(ctx, db, "r1", "greet", now)
	assert.Error(t, err, "task names are unique within a run")

	code := 0
	require.NoError(t, UpdateTask(ctx, db, task.ID, TaskUpdate{Status: TaskRunning, StartedAt: &now}))
	require.NoError(t, UpdateTask(ctx, db, task.ID, TaskUpdate{Status: TaskCompleted, ExitStatus: &code, CompletedAt: &now}))
	assert.ErrorIs(t, UpdateTask(ctx, db, 999, TaskUpdate{Status: TaskFailed}), ErrNotFound)

	got, err := GetTask(ctx, db, "r1", "greet")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	require.NotNil(t, got.ExitStatus)
	assert.Equal(t, 0, *got.ExitStatus)

	require.NoError(t, AppendTaskLog(ctx, db, task.ID, StreamStdout, "one", now))
	require.NoError(t, AppendTaskLog(ctx, db, task.ID, StreamStderr, "warn", now))
	require.NoError(t, AppendTaskLog(ctx, db, task.ID, StreamStdout, "two", now))

	logs, total, err := ListTaskLogs(ctx, db, LogFilter{TaskID: task.ID, Stream: StreamStdout})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, logs, 2)
	assert.Equal(t, "one", logs[0].Message)
	assert.Equal(t, "two", logs[1].Message)

	_, total, err = ListTaskLogs(ctx, db, LogFilter{TaskID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	tasks, total, err := ListTasks(ctx, db, TaskFilter{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "greet", tasks[0].Name)

	_, err = GetTask(ctx, db, "r1", "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestIndexEntries(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, e := range []IndexLogEntry{
		{RunID: "r1", IndexPath: "latest/hello.txt", TargetPath: "out/hello.txt"},
		{RunID: "r1", IndexPath: "latest/other.txt", TargetPath: "out/other.txt"},
		{RunID: "r2", SourceRunID: "r1", IndexPath: "latest/hello.txt", TargetPath: "out/hello.txt"},
	} {
		e := e
		require.NoError(t, AppendIndexLog(ctx, db, &e))
	}

	latest, err := LatestIndexEntries(ctx, db, "")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "latest/hello.txt", latest[0].IndexPath)
	assert.Equal(t, "r2", latest[0].RunID)
	assert.Equal(t, "r1", latest[0].SourceRunID)
	assert.Equal(t, "r1", latest[1].RunID)
	assert.Equal(t, "r1", latest[1].SourceRunID)

	forRun, err := LatestIndexEntries(ctx, db, "r1")
	require.NoError(t, err)
	require.Len(t, forRun, 1)
	assert.Equal(t, "latest/other.txt", forRun[0].IndexPath)

	all, err := ListIndexLog(ctx, db, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestParseStream(t *testing.T) {
	s, err := ParseStream("stderr")
	require.NoError(t, err)
	assert.Equal(t, StreamStderr, s)

	_, err = ParseStream("stdin")
	assert.Error(t, err)
}
