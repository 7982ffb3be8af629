package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/database/mock"
	"github.com/kozaktomas/child-finder/internal/facematch"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
	"github.com/kozaktomas/child-finder/internal/lifecycle"
)

func TestRespondJSON(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondJSON(recorder, http.StatusCreated, map[string]int{"count": 2})

	if recorder.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
	if recorder.Body.String() != "{\"count\":2}\n" {
		t.Errorf("unexpected body '%s'", recorder.Body.String())
	}
}

func TestRespondJSON_NilData(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondJSON(recorder, http.StatusOK, nil)

	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got '%s'", recorder.Body.String())
	}
}

func TestRespondError(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondError(recorder, http.StatusBadRequest, "something went wrong")

	var result map[string]string
	decode(t, recorder, &result)
	if result["error"] != "something went wrong" {
		t.Errorf("expected error message, got '%s'", result["error"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &database.ValidationError{Field: "age", Reason: "too old"}, http.StatusBadRequest},
		{"dimension", &database.DimensionMismatchError{Expected: 512, Actual: 3}, http.StatusBadRequest},
		{"not found", fmt.Errorf("case 9: %w", database.ErrNotFound), http.StatusNotFound},
		{"already closed", fmt.Errorf("case 9: %w", lifecycle.ErrAlreadyClosed), http.StatusConflict},
		{"invalid transition", lifecycle.ErrInvalidTransition, http.StatusConflict},
		{"no face", fingerprint.ErrNoFace, http.StatusUnprocessableEntity},
		{"extraction", facematch.ErrExtractionFailed, http.StatusUnprocessableEntity},
		{"store unavailable", fmt.Errorf("listing: %w", database.ErrUnavailable), http.StatusServiceUnavailable},
		{"index unavailable", facematch.ErrIndexUnavailable, http.StatusServiceUnavailable},
		{"index io", database.ErrIndexIO, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusFor(tc.err); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("a\nb\r\nc"); got != "abc" {
		t.Errorf("expected 'abc', got '%s'", got)
	}
}

func TestHealthHandler(t *testing.T) {
	index := mock.NewMockIndex(4)
	index.Insert(1, []float32{1, 0, 0, 0})

	h := NewHealthHandler(map[string]Check{
		"database": func(context.Context) error { return nil },
	}, index)
	recorder := httptest.NewRecorder()
	h.Health(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assertStatus(t, recorder, http.StatusOK)

	var result map[string]any
	decode(t, recorder, &result)
	if result["status"] != "ok" || result["index_entries"] != float64(1) {
		t.Errorf("unexpected health %v", result)
	}
}

func TestHealthHandler_Degraded(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"database":  func(context.Context) error { return nil },
		"embedding": func(context.Context) error { return errors.New("connection refused") },
	}, nil)
	recorder := httptest.NewRecorder()
	h.Health(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assertStatus(t, recorder, http.StatusServiceUnavailable)

	var result struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decode(t, recorder, &result)
	if result.Status != "degraded" || result.Dependencies["embedding"] != "connection refused" || result.Dependencies["database"] != "ok" {
		t.Errorf("unexpected health %+v", result)
	}
}
