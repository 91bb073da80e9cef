package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/goflume/internal/errors"
	"github.com/3leaps/goflume/internal/server/handlers"
	"github.com/3leaps/goflume/pkg/callcache"
	"github.com/3leaps/goflume/pkg/engine"
	"github.com/3leaps/goflume/pkg/index"
	"github.com/3leaps/goflume/pkg/manager"
	"github.com/3leaps/goflume/pkg/rundir"
	"github.com/3leaps/goflume/pkg/store"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/health/startup", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/api/v1/runs", http.StatusNotFound},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s should return %d", ep.method, ep.path, ep.want)
		})
	}
}

func TestServer_OptionalEndpointsDisabled(t *testing.T) {
	srv := New("127.0.0.1", 0, WithHealth(false), WithMetrics(false))

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

const helloDoc = `version: 1
inputs:
  - {name: who, type: String, default: world}
tasks:
  - name: greet
    command: mkdir -p out && echo "hello ${who}" > out/hello.txt
    outputs:
      greeting: {type: File, glob: out/hello.txt}
workflow:
  name: hello
  steps: [greet]
  outputs:
    greeting: greet.greeting
`

func newManager(t *testing.T) (*manager.Manager, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.OpenAndMigrate(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	source := filepath.Join(dir, "hello.yaml")
	require.NoError(t, os.WriteFile(source, []byte(helloDoc), 0o644))

	layout := rundir.New(filepath.Join(dir, "runs"))
	m, err := manager.New(ctx, manager.Config{
		DB:      db,
		Engine:  engine.NewLocal(engine.LocalOptions{}),
		Layout:  layout,
		Indexer: index.New(db, filepath.Join(dir, "index"), layout.RunDir, nil),
		Cache:   callcache.New(filepath.Join(dir, "cache"), nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, source
}

func TestServer_SubmitAndFetchOutputs(t *testing.T) {
	m, source := newManager(t)
	srv := New("127.0.0.1", 0, WithRuns(m))
	h := srv.Handler()

	body := `{"source":"` + source + `","inputs":{"who":"http"}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run store.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	require.NotEmpty(t, run.ID)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil))
		var got store.Run
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			return false
		}
		return got.Status == store.RunCompleted
	}, 10*time.Second, 20*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID+"/outputs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var outputs handlers.OutputsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&outputs))
	path, ok := outputs.Outputs["greeting"].(string)
	require.True(t, ok)
	assert.True(t, filepath.IsAbs(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello http\n", string(content))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID+"/tasks/greet", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_SubmitInvalidDocument(t *testing.T) {
	m, _ := newManager(t)
	srv := New("127.0.0.1", 0, WithRuns(m))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs",
		strings.NewReader(`{"source":"/does/not/exist.yaml"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
