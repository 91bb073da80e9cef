package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/goflume/pkg/manager"
	"github.com/3leaps/goflume/pkg/store"
)

// maxSubmitBody bounds a submit request body.
const maxSubmitBody = 1 << 20

// RunService is the command surface the run handlers call.
// *manager.Manager satisfies it.
type RunService interface {
	Submit(ctx context.Context, req manager.SubmitRequest) (*manager.Submission, error)
	GetStatus(ctx context.Context, runID string) (*store.Run, error)
	List(ctx context.Context, f store.RunFilter) (*manager.List[store.Run], error)
	Cancel(ctx context.Context, runID string) (*store.Run, error)
	GetOutputs(ctx context.Context, runID string) (map[string]any, error)
	ListTasks(ctx context.Context, runID string, f store.TaskFilter) (*manager.List[store.Task], error)
	GetTask(ctx context.Context, runID, name string) (*store.Task, error)
	GetTaskLogs(ctx context.Context, runID, name string, stream store.Stream, page store.Page) (*manager.List[store.TaskLog], error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	ListSessions(ctx context.Context, page store.Page) (*manager.List[store.Session], error)
}

var _ RunService = (*manager.Manager)(nil)

// Runs serves /api/v1.
type Runs struct {
	svc RunService
}

// NewRuns returns handlers backed by svc.
func NewRuns(svc RunService) *Runs {
	return &Runs{svc: svc}
}

// Routes mounts the run and session endpoints on r.
func (h *Runs) Routes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetStatus)
			r.Post("/cancel", h.Cancel)
			r.Get("/outputs", h.GetOutputs)
			r.Get("/tasks", h.ListTasks)
			r.Get("/tasks/{name}", h.GetTask)
			r.Get("/tasks/{name}/logs", h.GetTaskLogs)
		})
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{id}", h.GetSession)
	})
}

// OutputsResponse is the body of GET /runs/{id}/outputs.
type OutputsResponse struct {
	RunID   string         `json:"run_id"`
	Outputs map[string]any `json:"outputs"`
}

func (h *Runs) Submit(w http.ResponseWriter, r *http.Request) {
	var req manager.SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, invalid("submit", fmt.Errorf("decode request: %w", err)))
		return
	}
	sub, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/runs/"+sub.Run.ID)
	writeJSON(w, http.StatusAccepted, sub.Run)
}

func (h *Runs) List(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondWithError(w, r, invalid("list", err))
		return
	}
	q := r.URL.Query()
	res, err := h.svc.List(r.Context(), store.RunFilter{
		Status:    store.RunStatus(q.Get("status")),
		SessionID: q.Get("session"),
		Page:      page,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Runs) GetStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Runs) Cancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Runs) GetOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outputs, err := h.svc.GetOutputs(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OutputsResponse{RunID: id, Outputs: outputs})
}

func (h *Runs) ListTasks(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondWithError(w, r, invalid("list_tasks", err))
		return
	}
	res, err := h.svc.ListTasks(r.Context(), chi.URLParam(r, "id"), store.TaskFilter{
		Status: store.TaskStatus(r.URL.Query().Get("status")),
		Page:   page,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Runs) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Runs) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondWithError(w, r, invalid("get_task_logs", err))
		return
	}
	stream, err := store.ParseStream(r.URL.Query().Get("stream"))
	if err != nil {
		respondWithError(w, r, invalid("get_task_logs", err))
		return
	}
	res, err := h.svc.GetTaskLogs(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), stream, page)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Runs) ListSessions(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondWithError(w, r, invalid("list_sessions", err))
		return
	}
	res, err := h.svc.ListSessions(r.Context(), page)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Runs) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func parsePage(r *http.Request) (store.Page, error) {
	var p store.Page
	q := r.URL.Query()
	for _, f := range []struct {
		name string
		dst  *int
	}{{"limit", &p.Limit}, {"offset", &p.Offset}} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, fmt.Errorf("%s must be a non-negative integer", f.name)
		}
		*f.dst = n
	}
	return p, nil
}

func invalid(op string, err error) error {
	return &manager.Error{Kind: manager.KindInvalidArgument, Op: op, Err: err}
}
