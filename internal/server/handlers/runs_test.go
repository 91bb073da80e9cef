package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/goflume/internal/errors"
	"github.com/3leaps/goflume/pkg/manager"
	"github.com/3leaps/goflume/pkg/store"
)

type fakeRuns struct {
	runs      map[string]*store.Run
	submitted []manager.SubmitRequest
	lastRuns  store.RunFilter
	lastLogs  store.Stream
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*store.Run{
		"done": {ID: "done", Name: "hello-done", Status: store.RunCompleted, CreatedAt: time.Now().UTC(),
			Outputs: json.RawMessage(`{"greeting":"/runs/done/work/out/hello.txt"}`)},
		"busy": {ID: "busy", Name: "hello-busy", Status: store.RunRunning, CreatedAt: time.Now().UTC()},
	}}
}

func notFound(op, id string) error {
	return &manager.Error{Kind: manager.KindNotFound, Op: op, RunID: id, Err: store.ErrNotFound}
}

func (f *fakeRuns) Submit(_ context.Context, req manager.SubmitRequest) (*manager.Submission, error) {
	if req.Source == "" {
		return nil, &manager.Error{Kind: manager.KindInvalidArgument, Op: "submit", Err: errors.New("source is required")}
	}
	f.submitted = append(f.submitted, req)
	run := &store.Run{ID: "new", Name: "hello-new", Source: req.Source, Status: store.RunQueued}
	return &manager.Submission{Run: run}, nil
}

func (f *fakeRuns) GetStatus(_ context.Context, id string) (*store.Run, error) {
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, notFound("get_status", id)
}

func (f *fakeRuns) List(_ context.Context, filter store.RunFilter) (*manager.List[store.Run], error) {
	f.lastRuns = filter
	var out []store.Run
	for _, r := range f.runs {
		if filter.Status == "" || r.Status == filter.Status {
			out = append(out, *r)
		}
	}
	return &manager.List[store.Run]{Items: out, Total: len(out)}, nil
}

func (f *fakeRuns) Cancel(_ context.Context, id string) (*store.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, notFound("cancel", id)
	}
	if r.Status.Terminal() {
		return nil, &manager.Error{Kind: manager.KindConflict, Op: "cancel", RunID: id, Err: errors.New("run is " + string(r.Status))}
	}
	r.Status = store.RunCanceling
	return r, nil
}

func (f *fakeRuns) GetOutputs(_ context.Context, id string) (map[string]any, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, notFound("get_outputs", id)
	}
	if r.Status != store.RunCompleted {
		return nil, &manager.Error{Kind: manager.KindConflict, Op: "get_outputs", RunID: id, Err: errors.New("not completed")}
	}
	out := map[string]any{}
	_ = json.Unmarshal(r.Outputs, &out)
	return out, nil
}

func (f *fakeRuns) ListTasks(_ context.Context, id string, _ store.TaskFilter) (*manager.List[store.Task], error) {
	if _, ok := f.runs[id]; !ok {
		return nil, notFound("list_tasks", id)
	}
	return &manager.List[store.Task]{Items: []store.Task{{ID: 1, RunID: id, Name: "greet"}}, Total: 1}, nil
}

func (f *fakeRuns) GetTask(_ context.Context, id, name string) (*store.Task, error) {
	if name != "greet" {
		return nil, notFound("get_task", id)
	}
	return &store.Task{ID: 1, RunID: id, Name: name}, nil
}

func (f *fakeRuns) GetTaskLogs(_ context.Context, id, name string, stream store.Stream, _ store.Page) (*manager.List[store.TaskLog], error) {
	f.lastLogs = stream
	return &manager.List[store.TaskLog]{Items: []store.TaskLog{{TaskID: 1, Stream: store.StreamStdout, Message: "hi"}}, Total: 1}, nil
}

func (f *fakeRuns) GetSession(_ context.Context, id string) (*store.Session, error) {
	if id != "s1" {
		return nil, notFound("get_session", "")
	}
	return &store.Session{ID: "s1", Subcommand: "server"}, nil
}

func (f *fakeRuns) ListSessions(_ context.Context, _ store.Page) (*manager.List[store.Session], error) {
	return &manager.List[store.Session]{Items: []store.Session{{ID: "s1"}}, Total: 1}, nil
}

func newRunsRouter(svc RunService) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", NewRuns(svc).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestRuns_Submit(t *testing.T) {
	svc := newFakeRuns()
	h := newRunsRouter(svc)

	rec := do(t, h, http.MethodPost, "/api/v1/runs", `{"source":"/wf/hello.yaml","inputs":{"who":"you"},"index_on":"latest"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/api/v1/runs/new", rec.Header().Get("Location"))

	var run store.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, store.RunQueued, run.Status)

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "you", svc.submitted[0].Inputs["who"])
	assert.Equal(t, "latest", svc.submitted[0].IndexOn)
}

func TestRuns_SubmitRejectsBadBodies(t *testing.T) {
	h := newRunsRouter(newFakeRuns())

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"source":`},
		{"unknown field", `{"source":"/wf.yaml","retries":3}`},
		{"missing source", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.CodeInvalidArgument, errorCode(t, rec))
		})
	}
}

func TestRuns_ListPassesFilters(t *testing.T) {
	svc := newFakeRuns()
	h := newRunsRouter(svc)

	rec := do(t, h, http.MethodGet, "/api/v1/runs?status=completed&session=s1&limit=5&offset=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.RunCompleted, svc.lastRuns.Status)
	assert.Equal(t, "s1", svc.lastRuns.SessionID)
	assert.Equal(t, store.Page{Limit: 5, Offset: 2}, svc.lastRuns.Page)

	var res manager.List[store.Run]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 1, res.Total)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuns_StatusAndErrors(t *testing.T) {
	h := newRunsRouter(newFakeRuns())

	rec := do(t, h, http.MethodGet, "/api/v1/runs/done", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
}

func TestRuns_Cancel(t *testing.T) {
	h := newRunsRouter(newFakeRuns())

	rec := do(t, h, http.MethodPost, "/api/v1/runs/busy/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var run store.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, store.RunCanceling, run.Status)

	rec = do(t, h, http.MethodPost, "/api/v1/runs/done/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeConflict, errorCode(t, rec))
}

func TestRuns_Outputs(t *testing.T) {
	h := newRunsRouter(newFakeRuns())

	rec := do(t, h, http.MethodGet, "/api/v1/runs/done/outputs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res OutputsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "done", res.RunID)
	assert.Equal(t, "/runs/done/work/out/hello.txt", res.Outputs["greeting"])

	rec = do(t, h, http.MethodGet, "/api/v1/runs/busy/outputs", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRuns_TasksAndLogs(t *testing.T) {
	svc := newFakeRuns()
	h := newRunsRouter(svc)

	rec := do(t, h, http.MethodGet, "/api/v1/runs/done/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/done/tasks/greet", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/done/tasks/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/done/tasks/greet/logs?stream=stdout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StreamStdout, svc.lastLogs)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/done/tasks/greet/logs?stream=stdin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuns_Sessions(t *testing.T) {
	h := newRunsRouter(newFakeRuns())

	rec := do(t, h, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/s2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
