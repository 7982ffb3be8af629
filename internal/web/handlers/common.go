package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/facematch"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
	"github.com/kozaktomas/child-finder/internal/lifecycle"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrAlreadyClosed),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, database.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, fingerprint.ErrNoFace),
		errors.Is(err, fingerprint.ErrUnsupportedMedia),
		errors.Is(err, facematch.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, database.ErrUnavailable),
		errors.Is(err, facematch.ErrIndexUnavailable),
		errors.Is(err, database.ErrIndexIO):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// respondServiceError maps err to a status. Client errors carry the message;
// server errors are logged and answered generically.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		respondError(w, status, err.Error())
		return
	}
	logger.Error("request failed",
		"method", r.Method,
		"path", sanitizeForLog(r.URL.Path),
		"status", status,
		"error", err)
	if status == http.StatusServiceUnavailable {
		respondError(w, status, "service temporarily unavailable")
		return
	}
	respondError(w, status, "internal error")
}

// embeddingIDParam parses the {embeddingId} URL parameter.
func embeddingIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "embeddingId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &database.ValidationError{Field: "embeddingId", Reason: "must be a positive integer"}
	}
	return id, nil
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// HealthHandler reports whether the service and its dependencies are reachable.
type HealthHandler struct {
	checks map[string]Check
	index  database.EmbeddingIndex
}

// NewHealthHandler creates a health handler. index may be nil.
func NewHealthHandler(checks map[string]Check, index database.EmbeddingIndex) *HealthHandler {
	return &HealthHandler{checks: checks, index: index}
}

// Health handles the health check endpoint.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	result := map[string]any{"status": "ok"}

	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			result["status"] = "degraded"
			continue
		}
		deps[name] = "ok"
	}
	if len(deps) > 0 {
		result["dependencies"] = deps
	}
	if h.index != nil {
		result["index_entries"] = h.index.Count()
	}

	respondJSON(w, status, result)
}
