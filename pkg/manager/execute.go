package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/goflume/pkg/callcache"
	"github.com/3leaps/goflume/pkg/digest"
	"github.com/3leaps/goflume/pkg/engine"
	"github.com/3leaps/goflume/pkg/monitor"
	"github.com/3leaps/goflume/pkg/rundir"
	"github.com/3leaps/goflume/pkg/value"
	"github.com/3leaps/goflume/pkg/workflow"
)

// cacheHit is a verified cache entry, decoded.
type cacheHit struct {
	runID   string
	runDir  string
	outputs value.Object
}

// prepare localizes inputs and consults the call cache, then reports back
// to the actor. It runs on its own goroutine and reads only the immutable
// fields of st.
func (m *Manager) prepare(st *runState) {
	msg := &preparedMsg{runID: st.id}
	msg.inputs, msg.key, msg.hit, msg.err = m.resolve(st.ctx, st)
	m.mailbox <- msg
}

func (m *Manager) resolve(ctx context.Context, st *runState) (value.Object, string, *cacheHit, error) {
	if _, err := m.cfg.Layout.Create(st.id); err != nil {
		return nil, "", nil, err
	}
	inputs, err := m.cfg.Localizer.Localize(ctx, st.spec.inputs, m.cfg.Layout.InputsDir(st.id))
	if err != nil {
		return nil, "", nil, err
	}
	if m.cfg.Cache == nil {
		return inputs, "", nil, nil
	}

	key, err := m.cacheKey(ctx, st.spec, inputs)
	if err != nil {
		return nil, "", nil, fmt.Errorf("compute cache key: %w", err)
	}
	hit, err := m.lookup(ctx, st, key)
	if err != nil {
		return nil, "", nil, err
	}
	return inputs, key, hit, nil
}

// lookup returns the verified entry for key, or nil on a miss. A stale
// entry is invalidated and reported as a miss.
func (m *Manager) lookup(ctx context.Context, st *runState, key string) (*cacheHit, error) {
	entry, err := m.cfg.Cache.Lookup(ctx, key)
	if errors.Is(err, callcache.ErrNoEntry) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	var outputs value.Object
	if err := json.Unmarshal(entry.Outputs, &outputs); err != nil {
		st.logger.Warn("Ignoring undecodable cache entry", zap.String("cache_key", key), zap.Error(err))
		return nil, nil
	}
	if err := callcache.Verify(ctx, m.cfg.Digests, entry); err != nil {
		if !errors.Is(err, callcache.ErrStale) {
			return nil, err
		}
		st.logger.Info("Invalidating stale cache entry", zap.String("cache_key", key), zap.Error(err))
		if err := m.cfg.Cache.Invalidate(ctx, key); err != nil {
			return nil, fmt.Errorf("invalidate cache entry: %w", err)
		}
		return nil, nil
	}
	return &cacheHit{runID: entry.RunID, runDir: m.cfg.Layout.RunDir(entry.RunID), outputs: outputs}, nil
}

// cacheKey identifies a run by document content, resolved target, input
// values, and the content of every path input. Path values are keyed by
// content only, so the same data at another location still hits.
func (m *Manager) cacheKey(ctx context.Context, spec *runSpec, inputs value.Object) (string, error) {
	m.cfg.Digests.Forget(spec.source)
	source, err := m.cfg.Digests.Digest(ctx, spec.source)
	if err != nil {
		return "", err
	}
	canonical, err := workflow.CanonicalJSON(inputs.Map(func(v value.Value) value.Value {
		v.Str = ""
		return v
	}))
	if err != nil {
		return "", err
	}

	inputDigests := map[string]digest.Digest{}
	for _, name := range inputs.Keys() {
		for i, v := range (value.Object{name: inputs[name]}).Paths() {
			d, err := m.cfg.Digests.Digest(ctx, v.Str)
			if err != nil {
				return "", fmt.Errorf("input %s: %w", name, err)
			}
			inputDigests[fmt.Sprintf("%s#%d", name, i)] = d
		}
	}
	return callcache.Key(callcache.KeyParts{
		Source:       source,
		Target:       spec.name,
		Inputs:       canonical,
		InputDigests: inputDigests,
	}), nil
}

// execute runs one admitted run and reports the outcome. The hub is closed
// and the monitor drained before the actor hears about it, so the task rows
// are complete when the run turns terminal.
func (m *Manager) execute(st *runState, mon *monitor.Monitor) {
	msg := &runFinished{runID: st.id}
	msg.outputs, msg.err = m.executeRun(st)
	st.hub.Close()
	<-mon.Done()
	m.mailbox <- msg
}

func (m *Manager) executeRun(st *runState) (value.Object, error) {
	ctx := st.ctx
	runDir := m.cfg.Layout.RunDir(st.id)

	// The exclusive lock is held across execution so another process
	// populating the same key waits for this result.
	var w *callcache.Writer
	if m.cfg.Cache != nil && st.key != "" {
		var err error
		if w, err = m.cfg.Cache.Populate(ctx, st.key); err != nil {
			return nil, fmt.Errorf("lock cache entry: %w", err)
		}
		defer func() {
			if w != nil {
				_ = w.Abort()
			}
		}()
	}

	outputs, err := m.cfg.Engine.Run(ctx, engine.Request{
		RunID:    st.id,
		Document: st.spec.doc,
		Target:   st.spec.target,
		Inputs:   st.inputs,
		RunDir:   runDir,
		WorkDir:  m.cfg.Layout.WorkDir(st.id),
	}, st.hub)
	if err != nil {
		return nil, err
	}

	if err := m.cfg.Layout.WriteManifest(&rundir.Manifest{
		RunID:       st.id,
		Name:        st.spec.name,
		Target:      st.spec.target,
		Outputs:     outputs.Plain(),
		CompletedAt: m.now(),
	}); err != nil {
		return nil, err
	}
	if st.spec.indexOn != "" {
		if _, err := m.cfg.Indexer.CreateIndexEntries(ctx, st.id, runDir, st.spec.indexOn, outputs); err != nil {
			return nil, fmt.Errorf("index outputs: %w", err)
		}
	}

	if w != nil {
		entry, err := m.cacheEntry(ctx, st.id, runDir, outputs)
		if err != nil {
			st.logger.Warn("Not caching run outputs", zap.Error(err))
			return outputs, nil
		}
		err = w.Commit(entry)
		w = nil
		if err != nil {
			st.logger.Warn("Failed to commit cache entry", zap.Error(err))
		}
	}
	return outputs, nil
}

func (m *Manager) cacheEntry(ctx context.Context, runID, runDir string, outputs value.Object) (*callcache.Entry, error) {
	typed, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	digests := map[string]digest.Digest{}
	for _, v := range rundir.Resolve(runDir, outputs).Paths() {
		m.cfg.Digests.Forget(v.Str)
		d, err := m.cfg.Digests.Digest(ctx, v.Str)
		if err != nil {
			return nil, err
		}
		digests[v.Str] = d
	}
	return &callcache.Entry{
		RunID:         runID,
		Outputs:       typed,
		OutputDigests: digests,
		CreatedAt:     m.now(),
	}, nil
}
