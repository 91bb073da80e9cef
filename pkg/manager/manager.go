// Package manager owns run lifecycle state.
//
// A single goroutine (the actor loop) serializes every mutation of run
// status; callers reach it only through the mailbox, via the Manager
// methods. Reads are answered from the store on their own goroutines.
package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goflume/pkg/callcache"
	"github.com/3leaps/goflume/pkg/digest"
	"github.com/3leaps/goflume/pkg/engine"
	"github.com/3leaps/goflume/pkg/events"
	"github.com/3leaps/goflume/pkg/index"
	"github.com/3leaps/goflume/pkg/rundir"
	"github.com/3leaps/goflume/pkg/store"
	"github.com/3leaps/goflume/pkg/workflow"
)

const (
	// DefaultMaxConcurrentRuns bounds runs in the running state.
	DefaultMaxConcurrentRuns = 4

	// DefaultSessionLease is how long a session may go without a heartbeat
	// before its active runs are considered orphaned.
	DefaultSessionLease = 30 * time.Second

	// RestartMessage is the error recorded on runs a previous process left
	// active.
	RestartMessage = "interrupted by server restart"

	mailboxSize = 64
)

// Config wires a Manager to its collaborators.
type Config struct {
	DB      *sql.DB
	Engine  engine.Engine
	Layout  *rundir.Layout
	Indexer *index.Indexer

	// Cache and Digests enable the call cache; with a nil Cache every
	// submission executes.
	Cache   *callcache.Cache
	Digests *digest.Service

	// Localizer makes path inputs local before digesting. Nil accepts only
	// local paths.
	Localizer *engine.Localizer

	MaxConcurrentRuns int
	EventBuffer       int

	// SessionLease bounds heartbeat silence; the session is touched every
	// third of it.
	SessionLease time.Duration

	// Subcommand and CreatedBy describe the session every submission to
	// this manager belongs to.
	Subcommand string
	CreatedBy  string

	Logger  *zap.Logger
	Metrics *Metrics

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Manager is the handle to a running actor loop.
type Manager struct {
	cfg     Config
	db      *sql.DB
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	session *store.Session

	mailbox chan command
	done    chan struct{}

	// Actor-owned; touched only by the loop goroutine.
	runs     map[string]*runState
	queue    []*runState
	running  int
	closing  bool
	shutdown []chan result
}

// New fails runs orphaned by processes that stopped heartbeating, opens a
// session, and starts the actor loop. Runs owned by live sessions, including
// those of other processes sharing the database, are left alone.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.DB == nil || cfg.Engine == nil || cfg.Layout == nil {
		return nil, errors.New("manager: DB, Engine and Layout are required")
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = events.DefaultBuffer
	}
	if cfg.SessionLease <= 0 {
		cfg.SessionLease = DefaultSessionLease
	}
	if cfg.Subcommand == "" {
		cfg.Subcommand = "server"
	}
	if cfg.Digests == nil {
		cfg.Digests = digest.NewService()
	}
	if cfg.Localizer == nil {
		cfg.Localizer = engine.NewLocalizer(nil, cfg.Logger)
	}
	m := &Manager{
		cfg:     cfg,
		db:      cfg.DB,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		mailbox: make(chan command, mailboxSize),
		done:    make(chan struct{}),
		runs:    make(map[string]*runState),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}

	now := m.now()
	n, err := store.FailOrphanedRuns(ctx, m.db, RestartMessage, now, now.Add(-cfg.SessionLease))
	if err != nil {
		return nil, fmt.Errorf("recover runs: %w", err)
	}
	if n > 0 {
		m.logger.Warn("Marked orphaned runs as failed", zap.Int64("runs", n))
	}

	m.session = &store.Session{
		ID:         uuid.NewString(),
		Subcommand: cfg.Subcommand,
		CreatedBy:  cfg.CreatedBy,
		CreatedAt:  m.now(),
	}
	if err := store.CreateSession(ctx, m.db, m.session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	go m.loop()
	go m.heartbeat()
	return m, nil
}

// heartbeat keeps the session lease fresh until the loop exits.
func (m *Manager) heartbeat() {
	ticker := time.NewTicker(m.cfg.SessionLease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SessionLease/3)
			err := store.TouchSession(ctx, m.db, m.session.ID, m.now())
			cancel()
			if err != nil {
				m.logger.Warn("Session heartbeat failed", zap.String("session_id", m.session.ID), zap.Error(err))
			}
		}
	}
}

// SessionID returns the id of the session this manager records runs under.
func (m *Manager) SessionID() string { return m.session.ID }

// Done is closed when the actor loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// SubmitRequest asks for one run.
type SubmitRequest struct {
	// Source is the path of the workflow document.
	Source string `json:"source"`

	// Inputs are raw input values keyed by declared input name.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Target selects the workflow or a single task; empty selects the
	// workflow.
	Target string `json:"target,omitempty"`

	// IndexOn, when set, publishes outputs under this index path.
	IndexOn string `json:"index_on,omitempty"`
}

// Submission is the reply to Submit. Events carries the run's task events
// and is closed once the run is terminal.
type Submission struct {
	Run    *store.Run
	Events *events.Hub
}

// List is one page of a list query plus the total match count.
type List[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// Submit validates req and records a queued run. It returns without waiting
// for the run to execute.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	const op = "submit"
	spec, err := m.validate(req)
	if err != nil {
		return nil, err
	}
	v, err := m.call(ctx, op, func(r request) command { return &submitCmd{request: r, spec: spec} })
	if err != nil {
		return nil, err
	}
	return v.(*Submission), nil
}

// validate loads the document and binds inputs outside the actor loop.
func (m *Manager) validate(req SubmitRequest) (*runSpec, error) {
	const op = "submit"
	invalid := func(err error) error { return newError(KindInvalidArgument, op, "", err) }

	if strings.TrimSpace(req.Source) == "" {
		return nil, invalid(errors.New("source is required"))
	}
	source, err := filepath.Abs(req.Source)
	if err != nil {
		return nil, invalid(err)
	}
	doc, err := workflow.Load(source)
	if err != nil {
		return nil, invalid(err)
	}
	plan, err := doc.Plan(req.Target)
	if err != nil {
		return nil, invalid(err)
	}
	inputs, err := doc.BindInputs(req.Inputs)
	if err != nil {
		return nil, invalid(err)
	}
	if req.IndexOn != "" {
		if m.cfg.Indexer == nil {
			return nil, invalid(errors.New("indexing is not configured"))
		}
		if err := index.ValidateIndexPath(req.IndexOn); err != nil {
			return nil, invalid(err)
		}
	}
	return &runSpec{
		source:  source,
		doc:     doc,
		target:  req.Target,
		name:    plan.Name,
		inputs:  inputs,
		indexOn: req.IndexOn,
	}, nil
}

// GetStatus returns the persisted run row.
func (m *Manager) GetStatus(ctx context.Context, runID string) (*store.Run, error) {
	v, err := m.read(ctx, "get_status", runID, func(ctx context.Context) (any, error) {
		return store.GetRun(ctx, m.db, runID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Run), nil
}

// List returns runs newest first.
func (m *Manager) List(ctx context.Context, f store.RunFilter) (*List[store.Run], error) {
	if f.Status != "" {
		if err := store.ValidateRunStatus(f.Status); err != nil {
			return nil, newError(KindInvalidArgument, "list", "", err)
		}
	}
	v, err := m.read(ctx, "list", "", func(ctx context.Context) (any, error) {
		runs, total, err := store.ListRuns(ctx, m.db, f)
		return &List[store.Run]{Items: runs, Total: total}, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*List[store.Run]), nil
}

// Cancel requests cancellation of a queued or running run and returns the
// updated row.
func (m *Manager) Cancel(ctx context.Context, runID string) (*store.Run, error) {
	v, err := m.call(ctx, "cancel", func(r request) command { return &cancelCmd{request: r, runID: runID} })
	if err != nil {
		return nil, err
	}
	return v.(*store.Run), nil
}

// GetOutputs returns the outputs of a completed run, with absolute paths.
func (m *Manager) GetOutputs(ctx context.Context, runID string) (map[string]any, error) {
	const op = "get_outputs"
	v, err := m.read(ctx, op, runID, func(ctx context.Context) (any, error) {
		r, err := store.GetRun(ctx, m.db, runID)
		if err != nil {
			return nil, err
		}
		if r.Status != store.RunCompleted {
			return nil, newError(KindConflict, op, runID, fmt.Errorf("run is %s, not completed", r.Status))
		}
		out := map[string]any{}
		if len(r.Outputs) > 0 {
			if err := json.Unmarshal(r.Outputs, &out); err != nil {
				return nil, err
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	v, err := m.read(ctx, "get_session", "", func(ctx context.Context) (any, error) {
		return store.GetSession(ctx, m.db, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Session), nil
}

// ListSessions returns sessions newest first.
func (m *Manager) ListSessions(ctx context.Context, page store.Page) (*List[store.Session], error) {
	v, err := m.read(ctx, "list_sessions", "", func(ctx context.Context) (any, error) {
		sessions, total, err := store.ListSessions(ctx, m.db, page)
		return &List[store.Session]{Items: sessions, Total: total}, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*List[store.Session]), nil
}

// ListTasks returns a run's tasks in creation order.
func (m *Manager) ListTasks(ctx context.Context, runID string, f store.TaskFilter) (*List[store.Task], error) {
	f.RunID = runID
	v, err := m.read(ctx, "list_tasks", runID, func(ctx context.Context) (any, error) {
		if _, err := store.GetRun(ctx, m.db, runID); err != nil {
			return nil, err
		}
		tasks, total, err := store.ListTasks(ctx, m.db, f)
		return &List[store.Task]{Items: tasks, Total: total}, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*List[store.Task]), nil
}

// GetTask returns one task of a run by name.
func (m *Manager) GetTask(ctx context.Context, runID, name string) (*store.Task, error) {
	v, err := m.read(ctx, "get_task", runID, func(ctx context.Context) (any, error) {
		return store.GetTask(ctx, m.db, runID, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Task), nil
}

// GetTaskLogs returns a task's log lines in arrival order. An empty stream
// returns both.
func (m *Manager) GetTaskLogs(ctx context.Context, runID, name string, stream store.Stream, page store.Page) (*List[store.TaskLog], error) {
	v, err := m.read(ctx, "get_task_logs", runID, func(ctx context.Context) (any, error) {
		t, err := store.GetTask(ctx, m.db, runID, name)
		if err != nil {
			return nil, err
		}
		logs, total, err := store.ListTaskLogs(ctx, m.db, store.LogFilter{TaskID: t.ID, Stream: stream, Page: page})
		return &List[store.TaskLog]{Items: logs, Total: total}, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*List[store.TaskLog]), nil
}

// Ping round-trips the actor loop.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.call(ctx, "ping", func(r request) command { return &pingCmd{request: r} })
	return err
}

// Shutdown stops accepting commands, cancels every in-flight run and waits
// for executions to settle or ctx to end. Once the loop has exited,
// Shutdown returns nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	_, err := m.call(ctx, "shutdown", func(r request) command { return &shutdownCmd{request: r} })
	if err != nil && KindOf(err) == KindUnavailable {
		select {
		case <-m.done:
			return nil
		default:
		}
	}
	return err
}

// call sends a command and waits for its reply.
func (m *Manager) call(ctx context.Context, op string, build func(request) command) (any, error) {
	r := request{op: op, ctx: ctx, reply: make(chan result, 1)}
	select {
	case m.mailbox <- build(r):
	case <-m.done:
		return nil, newError(KindUnavailable, op, "", ErrUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-r.reply:
		return res.val, res.err
	case <-m.done:
		select {
		case res := <-r.reply:
			return res.val, res.err
		default:
			return nil, newError(KindUnavailable, op, "", ErrUnavailable)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// read runs fn on its own goroutine once the loop accepts the command.
func (m *Manager) read(ctx context.Context, op, runID string, fn func(context.Context) (any, error)) (any, error) {
	v, err := m.call(ctx, op, func(r request) command { return &readCmd{request: r, fn: fn} })
	if err != nil {
		return nil, classify(op, runID, err)
	}
	return v, nil
}
