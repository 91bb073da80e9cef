// Package monitor records a run's task lifecycle events in the store.
package monitor

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/goflume/pkg/events"
	"github.com/3leaps/goflume/pkg/store"
)

// Options configures a Monitor.
type Options struct {
	Logger *zap.Logger

	// Dropped counts events lost to a full subscription buffer. Optional.
	Dropped prometheus.Counter

	// LagWarnInterval throttles "events dropped" warnings. Defaults to 10s.
	LagWarnInterval time.Duration
}

// Monitor is the sole writer of Task and TaskLog rows for one run.
type Monitor struct {
	db     *sql.DB
	runID  string
	sub    *events.Subscription
	logger *zap.Logger
	opts   Options

	lagWarn rate.Sometimes
	tasks   map[int64]*store.Task

	done     chan struct{}
	doneOnce sync.Once
}

// New subscribes to hub immediately so no event published after New returns
// is missed; call Run to start recording.
func New(db *sql.DB, runID string, hub *events.Hub, opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LagWarnInterval <= 0 {
		opts.LagWarnInterval = 10 * time.Second
	}
	return &Monitor{
		db:      db,
		runID:   runID,
		sub:     hub.Subscribe(),
		logger:  opts.Logger.With(zap.String("run_id", runID)),
		opts:    opts,
		lagWarn: rate.Sometimes{First: 1, Interval: opts.LagWarnInterval},
		tasks:   make(map[int64]*store.Task),
		done:    make(chan struct{}),
	}
}

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Close unsubscribes; Run returns once buffered events are handled.
func (m *Monitor) Close() { m.sub.Close() }

// Run handles events in receipt order until the hub (or subscription)
// closes or ctx is done. Failures on individual events are logged and
// skipped.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.doneOnce.Do(func() { close(m.done) })
	defer m.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.sub.C():
			m.checkLag()
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Monitor) checkLag() {
	n := m.sub.TakeLag()
	if n == 0 {
		return
	}
	if m.opts.Dropped != nil {
		m.opts.Dropped.Add(float64(n))
	}
	m.lagWarn.Do(func() {
		m.logger.Warn("task monitor lagged; events dropped", zap.Uint64("dropped", n))
	})
}

func (m *Monitor) handle(ctx context.Context, ev events.Event) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if ev.Type == events.TypeCreated {
		task, err := store.CreateTask(ctx, m.db, m.runID, ev.Name, at)
		if err != nil {
			m.logger.Error("failed to record task", zap.Int64("task_id", ev.TaskID), zap.String("task", ev.Name), zap.Error(err))
			return
		}
		m.tasks[ev.TaskID] = task
		return
	}

	task, ok := m.tasks[ev.TaskID]
	if !ok {
		m.logger.Warn("event for unknown task", zap.Int64("task_id", ev.TaskID), zap.String("event", string(ev.Type)))
		return
	}

	var err error
	switch ev.Type {
	case events.TypeStarted:
		err = store.UpdateTask(ctx, m.db, task.ID, store.TaskUpdate{Status: store.TaskRunning, StartedAt: &at})
	case events.TypeContainerCreated, events.TypeContainerExited:
		// Nothing to record.
	case events.TypeCompleted:
		upd := store.TaskUpdate{Status: store.TaskCompleted, CompletedAt: &at}
		if n := len(ev.ExitStatuses); n > 0 {
			code := ev.ExitStatuses[n-1]
			upd.ExitStatus = &code
		}
		err = store.UpdateTask(ctx, m.db, task.ID, upd)
	case events.TypeFailed:
		msg := ev.Message
		err = store.UpdateTask(ctx, m.db, task.ID, store.TaskUpdate{Status: store.TaskFailed, Error: &msg, CompletedAt: &at})
	case events.TypeCanceled:
		err = store.UpdateTask(ctx, m.db, task.ID, store.TaskUpdate{Status: store.TaskCanceled, CompletedAt: &at})
	case events.TypePreempted:
		err = store.UpdateTask(ctx, m.db, task.ID, store.TaskUpdate{Status: store.TaskPreempted, CompletedAt: &at})
	case events.TypeStdout:
		err = store.AppendTaskLog(ctx, m.db, task.ID, store.StreamStdout, ev.Message, at)
	case events.TypeStderr:
		err = store.AppendTaskLog(ctx, m.db, task.ID, store.StreamStderr, ev.Message, at)
	default:
		m.logger.Warn("unknown event type", zap.String("event", string(ev.Type)))
		return
	}
	if err != nil {
		m.logger.Error("failed to record task event",
			zap.String("task", task.Name),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}
