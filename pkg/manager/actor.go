package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goflume/pkg/events"
	"github.com/3leaps/goflume/pkg/monitor"
	"github.com/3leaps/goflume/pkg/rundir"
	"github.com/3leaps/goflume/pkg/store"
	"github.com/3leaps/goflume/pkg/value"
	"github.com/3leaps/goflume/pkg/workflow"
)

type command interface {
	name() string
}

type result struct {
	val any
	err error
}

// request is embedded by every caller-facing command.
type request struct {
	op    string
	ctx   context.Context
	reply chan result
}

func (r request) name() string { return r.op }

// respond never blocks: reply has room for exactly one result.
func (r request) respond(v any, err error) { r.reply <- result{val: v, err: err} }

type submitCmd struct {
	request
	spec *runSpec
}

type cancelCmd struct {
	request
	runID string
}

type readCmd struct {
	request
	fn func(context.Context) (any, error)
}

type pingCmd struct{ request }

type shutdownCmd struct{ request }

// preparedMsg reports the cache lookup for a submitted run.
type preparedMsg struct {
	runID  string
	inputs value.Object
	key    string
	hit    *cacheHit
	err    error
}

func (*preparedMsg) name() string { return "prepared" }

// runFinished reports the end of a run's execution.
type runFinished struct {
	runID   string
	outputs value.Object
	err     error
}

func (*runFinished) name() string { return "run_finished" }

// runSpec is a validated submission.
type runSpec struct {
	source  string
	doc     *workflow.Document
	target  string
	name    string
	inputs  value.Object
	indexOn string
}

type phase int

const (
	phasePreparing phase = iota
	phaseQueued
	phaseRunning
)

// runState is the actor's view of a non-terminal run. id, spec, hub and ctx
// never change after creation and may be read by the run's goroutines.
type runState struct {
	id     string
	spec   *runSpec
	hub    *events.Hub
	ctx    context.Context
	logger *zap.Logger

	stop    context.CancelFunc
	stopped bool

	// Set by the actor before execution starts.
	inputs value.Object
	key    string

	phase     phase
	canceling bool
}

// cancel invokes the run's stop function at most once.
func (s *runState) cancel() {
	if !s.stopped {
		s.stopped = true
		s.stop()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for c := range m.mailbox {
		m.handle(c)
		if m.closing && len(m.runs) == 0 {
			for _, reply := range m.shutdown {
				reply <- result{}
			}
			m.logger.Info("Run manager stopped")
			return
		}
	}
}

func (m *Manager) handle(c command) {
	switch c := c.(type) {
	case *preparedMsg:
		m.handlePrepared(c)
		return
	case *runFinished:
		m.handleFinished(c)
		return
	case *shutdownCmd:
		m.handleShutdown(c)
		return
	}

	if m.closing {
		if r, ok := c.(interface{ respond(any, error) }); ok {
			r.respond(nil, newError(KindUnavailable, c.name(), "", ErrUnavailable))
		}
		return
	}

	switch c := c.(type) {
	case *readCmd:
		go func() {
			v, err := c.fn(c.ctx)
			c.respond(v, err)
		}()
	case *pingCmd:
		c.respond(nil, nil)
	case *submitCmd:
		c.respond(m.handleSubmit(c))
	case *cancelCmd:
		c.respond(m.handleCancel(c))
	default:
		m.logger.Error("Unknown manager command", zap.String("command", c.name()))
	}
}

func (m *Manager) handleSubmit(c *submitCmd) (*Submission, error) {
	const op = "submit"
	spec := c.spec
	id := uuid.NewString()

	inputs, err := json.Marshal(spec.inputs.Plain())
	if err != nil {
		return nil, newError(KindInvalidArgument, op, id, err)
	}
	run := &store.Run{
		ID:        id,
		SessionID: m.session.ID,
		Name:      spec.name + "-" + id[:8],
		Source:    spec.source,
		Target:    spec.target,
		Status:    store.RunQueued,
		Inputs:    inputs,
		WorkDir:   m.cfg.Layout.WorkDir(id),
		CreatedAt: m.now(),
	}
	if spec.indexOn != "" {
		run.IndexDir = filepath.Join(m.cfg.Indexer.Root(), filepath.FromSlash(spec.indexOn))
	}
	if err := store.CreateRun(context.Background(), m.db, run); err != nil {
		return nil, classify(op, id, err)
	}

	ctx, stop := context.WithCancel(context.Background())
	st := &runState{
		id:     id,
		spec:   spec,
		hub:    events.NewHub(m.cfg.EventBuffer),
		ctx:    ctx,
		stop:   stop,
		logger: m.logger.With(zap.String("run_id", id)),
		phase:  phasePreparing,
	}
	m.runs[id] = st
	m.metrics.Submitted.Inc()
	m.updateGauges()

	st.logger.Info("Run submitted", zap.String("name", run.Name), zap.String("source", spec.source))
	go m.prepare(st)
	return &Submission{Run: run, Events: st.hub}, nil
}

func (m *Manager) handlePrepared(msg *preparedMsg) {
	st, ok := m.runs[msg.runID]
	if !ok {
		return
	}
	now := m.now()
	switch {
	case st.canceling:
		m.finish(st, store.RunCanceled, store.RunUpdate{CompletedAt: &now})
		return
	case msg.err != nil:
		st.logger.Warn("Run preparation failed", zap.Error(msg.err))
		errMsg := msg.err.Error()
		m.finish(st, store.RunFailed, store.RunUpdate{CompletedAt: &now, Error: &errMsg})
		return
	}

	st.inputs = msg.inputs
	st.key = msg.key

	if hit := msg.hit; hit != nil {
		m.metrics.CacheHits.Inc()
		st.logger.Info("Call cache hit", zap.String("cache_key", st.key), zap.String("source_run", hit.runID))
		upd := store.RunUpdate{StartedAt: &now, CacheKey: &st.key}
		if err := store.TransitionRun(context.Background(), m.db, st.id, store.RunRunning, upd); err != nil {
			errMsg := err.Error()
			m.finish(st, store.RunFailed, store.RunUpdate{CompletedAt: &now, Error: &errMsg})
			return
		}
		// Published from the loop so a cancel cannot land between the links
		// and the terminal status.
		if st.spec.indexOn != "" {
			if _, err := m.cfg.Indexer.PublishCached(context.Background(), st.id, hit.runID, st.spec.indexOn, hit.outputs); err != nil {
				errMsg := fmt.Sprintf("index cached outputs: %v", err)
				m.finish(st, store.RunFailed, store.RunUpdate{CompletedAt: &now, Error: &errMsg})
				return
			}
		}
		cached := true
		m.finish(st, store.RunCompleted, store.RunUpdate{
			CompletedAt: &now,
			Outputs:     plainOutputs(hit.runDir, hit.outputs),
			Cached:      &cached,
		})
		return
	}

	if m.cfg.Cache != nil {
		m.metrics.CacheMisses.Inc()
	}
	st.phase = phaseQueued
	m.queue = append(m.queue, st)
	m.admit()
}

// admit starts queued runs in FIFO order while capacity remains.
func (m *Manager) admit() {
	defer m.updateGauges()
	for !m.closing && m.running < m.cfg.MaxConcurrentRuns && len(m.queue) > 0 {
		st := m.queue[0]
		m.queue = m.queue[1:]

		now := m.now()
		upd := store.RunUpdate{StartedAt: &now}
		if st.key != "" {
			upd.CacheKey = &st.key
		}
		if err := store.TransitionRun(context.Background(), m.db, st.id, store.RunRunning, upd); err != nil {
			st.logger.Error("Failed to admit run", zap.Error(err))
			errMsg := err.Error()
			m.finish(st, store.RunFailed, store.RunUpdate{CompletedAt: &now, Error: &errMsg})
			continue
		}
		st.phase = phaseRunning
		m.running++

		mon := monitor.New(m.db, st.id, st.hub, monitor.Options{
			Logger:  m.logger,
			Dropped: m.metrics.EventsDropped,
		})
		// Trailing events after a cancel are still recorded.
		go func() { _ = mon.Run(context.WithoutCancel(st.ctx)) }()
		go m.execute(st, mon)
		st.logger.Info("Run admitted", zap.Int("running", m.running))
	}
}

func (m *Manager) handleFinished(msg *runFinished) {
	st, ok := m.runs[msg.runID]
	if !ok {
		return
	}
	m.running--
	now := m.now()
	switch {
	case st.canceling:
		m.finish(st, store.RunCanceled, store.RunUpdate{CompletedAt: &now})
	case msg.err != nil:
		errMsg := msg.err.Error()
		m.finish(st, store.RunFailed, store.RunUpdate{CompletedAt: &now, Error: &errMsg})
	default:
		m.finish(st, store.RunCompleted, store.RunUpdate{
			CompletedAt: &now,
			Outputs:     plainOutputs(m.cfg.Layout.RunDir(st.id), msg.outputs),
		})
	}
	m.admit()
}

func (m *Manager) handleCancel(c *cancelCmd) (*store.Run, error) {
	const op = "cancel"
	ctx := context.Background()
	st, ok := m.runs[c.runID]
	if !ok {
		r, err := store.GetRun(ctx, m.db, c.runID)
		if err != nil {
			return nil, classify(op, c.runID, err)
		}
		return nil, newError(KindConflict, op, c.runID, fmt.Errorf("run is %s", r.Status))
	}
	if st.canceling {
		return nil, newError(KindConflict, op, c.runID, fmt.Errorf("run is %s", store.RunCanceling))
	}

	if err := store.TransitionRun(ctx, m.db, st.id, store.RunCanceling, store.RunUpdate{}); err != nil {
		return nil, classify(op, c.runID, err)
	}
	st.canceling = true
	st.cancel()
	st.logger.Info("Run cancel requested")

	if st.phase == phaseQueued {
		m.dequeue(st)
		now := m.now()
		m.finish(st, store.RunCanceled, store.RunUpdate{CompletedAt: &now})
	}

	r, err := store.GetRun(ctx, m.db, c.runID)
	return r, classify(op, c.runID, err)
}

func (m *Manager) handleShutdown(c *shutdownCmd) {
	if !m.closing {
		m.logger.Info("Run manager shutting down", zap.Int("active_runs", len(m.runs)))
	}
	m.closing = true
	m.shutdown = append(m.shutdown, c.reply)

	ctx := context.Background()
	for _, st := range m.runs {
		if !st.canceling {
			if err := store.TransitionRun(ctx, m.db, st.id, store.RunCanceling, store.RunUpdate{}); err != nil {
				st.logger.Error("Failed to mark run canceling", zap.Error(err))
			}
			st.canceling = true
		}
		st.cancel()
		if st.phase == phaseQueued {
			now := m.now()
			m.finish(st, store.RunCanceled, store.RunUpdate{CompletedAt: &now})
		}
	}
	m.queue = nil
	m.updateGauges()
}

// finish writes a terminal status and forgets the run.
func (m *Manager) finish(st *runState, status store.RunStatus, upd store.RunUpdate) {
	if err := store.TransitionRun(context.Background(), m.db, st.id, status, upd); err != nil {
		st.logger.Error("Failed to record run status", zap.String("status", string(status)), zap.Error(err))
	}
	delete(m.runs, st.id)
	st.cancel()
	st.hub.Close()
	m.metrics.finished(status)
	m.updateGauges()

	fields := []zap.Field{zap.String("status", string(status))}
	if upd.Error != nil {
		fields = append(fields, zap.String("error", *upd.Error))
	}
	st.logger.Info("Run finished", fields...)
}

func (m *Manager) dequeue(st *runState) {
	if i := slices.Index(m.queue, st); i >= 0 {
		m.queue = slices.Delete(m.queue, i, i+1)
	}
}

func (m *Manager) updateGauges() {
	m.metrics.Running.Set(float64(m.running))
	m.metrics.Queued.Set(float64(len(m.runs) - m.running))
}

// plainOutputs is the run row's view of outputs: untyped, with absolute
// paths.
func plainOutputs(runDir string, outputs value.Object) json.RawMessage {
	b, err := json.Marshal(rundir.Resolve(runDir, outputs).Plain())
	if err != nil {
		return nil
	}
	return b
}
