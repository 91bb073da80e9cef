package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goflume/pkg/manager"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", &manager.Error{Kind: manager.KindNotFound, Op: "get_status", Err: errors.New("x")}, http.StatusNotFound, CodeNotFound},
		{"invalid", &manager.Error{Kind: manager.KindInvalidArgument, Op: "submit", Err: errors.New("x")}, http.StatusBadRequest, CodeInvalidArgument},
		{"conflict", &manager.Error{Kind: manager.KindConflict, Op: "cancel", Err: errors.New("x")}, http.StatusConflict, CodeConflict},
		{"unavailable", &manager.Error{Kind: manager.KindUnavailable, Op: "submit", Err: errors.New("x")}, http.StatusServiceUnavailable, CodeUnavailable},
		{"wrapped conflict", fmt.Errorf("handler: %w", &manager.Error{Kind: manager.KindConflict, Op: "get_outputs", Err: errors.New("x")}), http.StatusConflict, CodeConflict},
		{"foreign", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	t.Run("domain error keeps message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/x", nil)
		err := &manager.Error{Kind: manager.KindNotFound, Op: "get_status", RunID: "x", Err: errors.New("not found")}

		RespondWithError(rec, req, err)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, CodeNotFound, body.Error.Code)
		assert.Equal(t, "get_status x: not found", body.Error.Message)
	})

	t.Run("internal error is masked", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)

		RespondWithError(rec, req, errors.New("database is locked"))

		var body HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, CodeInternal, body.Error.Code)
		assert.Equal(t, "internal error", body.Error.Message)
	})
}

func TestWriteError_IncludesRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, "req-42"))

	WriteError(rec, req, http.StatusConflict, CodeConflict, "run is completed", map[string]any{"status": "completed"})

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.Equal(t, "completed", body.Error.Details["status"])
}

func TestRouteHandlers(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFoundHandler(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	MethodNotAllowedHandler(rec, httptest.NewRequest(http.MethodDelete, "/version", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeMethodNotAllowed, body.Error.Code)
}
