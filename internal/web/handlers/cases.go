package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/lifecycle"
	"github.com/kozaktomas/child-finder/internal/logging"
	"github.com/kozaktomas/child-finder/internal/registry"
)

// Registrar registers and edits cases.
type Registrar interface {
	RegisterImage(ctx context.Context, reg registry.Registration, image []byte) (*database.CaseRecord, error)
	Edit(ctx context.Context, embeddingID int64, details database.CaseDetails) (*database.CaseRecord, error)
}

// Lifecycle moves cases between statuses.
type Lifecycle interface {
	Close(ctx context.Context, embeddingID int64) (*lifecycle.CloseResult, error)
	Resolve(ctx context.Context, embeddingID int64) (*database.CaseRecord, error)
}

// CaseResponse is the API representation of a case. The embedding and the
// image location are never exposed.
type CaseResponse struct {
	ChildID                int64     `json:"child_id"`
	EmbeddingID            int64     `json:"embedding_id"`
	Name                   string    `json:"name"`
	Age                    int       `json:"age"`
	Gender                 string    `json:"gender"`
	GuardianContact        string    `json:"guardian_contact"`
	Status                 string    `json:"status"`
	DistinguishingFeatures string    `json:"distinguishing_features,omitempty"`
	LastKnownLocation      string    `json:"last_known_location,omitempty"`
	RegisteredAt           time.Time `json:"registered_at"`
	LastUpdatedAt          time.Time `json:"last_updated_at"`
}

func toCaseResponse(rec *database.CaseRecord) CaseResponse {
	return CaseResponse{
		ChildID:                rec.ChildID,
		EmbeddingID:            rec.EmbeddingID,
		Name:                   rec.Name,
		Age:                    rec.Age,
		Gender:                 string(rec.Gender),
		GuardianContact:        rec.GuardianContact,
		Status:                 string(rec.Status),
		DistinguishingFeatures: rec.DistinguishingFeatures,
		LastKnownLocation:      rec.LastKnownLocation,
		RegisteredAt:           rec.RegisteredAt,
		LastUpdatedAt:          rec.LastUpdatedAt,
	}
}

func toCaseList(records []database.CaseRecord) []CaseResponse {
	out := make([]CaseResponse, 0, len(records))
	for i := range records {
		out = append(out, toCaseResponse(&records[i]))
	}
	return out
}

// CaseListResponse wraps a list of cases.
type CaseListResponse struct {
	Cases []CaseResponse `json:"cases"`
	Count int            `json:"count"`
}

// CloseResponse is returned after closing a case.
type CloseResponse struct {
	Case         CaseResponse `json:"case"`
	IndexRemoved bool         `json:"index_removed"`
}

// EditRequest is a partial update; omitted fields are left unchanged.
type EditRequest struct {
	Name                   *string `json:"name"`
	Age                    *int    `json:"age"`
	Gender                 *string `json:"gender"`
	GuardianContact        *string `json:"guardian_contact"`
	DistinguishingFeatures *string `json:"distinguishing_features"`
	LastKnownLocation      *string `json:"last_known_location"`
}

func (e EditRequest) details() database.CaseDetails {
	d := database.CaseDetails{
		Name:                   e.Name,
		Age:                    e.Age,
		GuardianContact:        e.GuardianContact,
		DistinguishingFeatures: e.DistinguishingFeatures,
		LastKnownLocation:      e.LastKnownLocation,
	}
	if e.Gender != nil {
		g := database.Gender(*e.Gender)
		d.Gender = &g
	}
	return d
}

// CasesHandler handles case endpoints.
type CasesHandler struct {
	cases     database.CaseReader
	registrar Registrar
	lifecycle Lifecycle
	logger    *slog.Logger
}

// NewCasesHandler creates a new cases handler.
func NewCasesHandler(cases database.CaseReader, registrar Registrar, lc Lifecycle, logger *slog.Logger) *CasesHandler {
	return &CasesHandler{
		cases:     cases,
		registrar: registrar,
		lifecycle: lc,
		logger:    logging.OrDefault(logger),
	}
}

// Register handles a multipart registration with an "image" file and the
// case fields as form values.
func (h *CasesHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := parseUpload(w, r); err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	files := r.MultipartForm.File["image"]
	if len(files) != 1 {
		respondError(w, http.StatusBadRequest, "exactly one image is required")
		return
	}
	image, err := readUploadedFile(files[0])
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	age, err := strconv.Atoi(strings.TrimSpace(r.FormValue("age")))
	if err != nil {
		respondError(w, http.StatusBadRequest, "age must be a number")
		return
	}

	reg := registry.Registration{
		Name:                   r.FormValue("name"),
		Age:                    age,
		Gender:                 database.Gender(r.FormValue("gender")),
		GuardianContact:        r.FormValue("guardian_contact"),
		DistinguishingFeatures: r.FormValue("distinguishing_features"),
		LastKnownLocation:      r.FormValue("last_known_location"),
	}

	rec, err := h.registrar.RegisterImage(r.Context(), reg, image)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toCaseResponse(rec))
}

// List returns the cases in ?status= (default open).
func (h *CasesHandler) List(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(database.StatusOpen)
	}
	status, err := database.ParseCaseStatus(raw)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	records, err := h.cases.ListByStatus(r.Context(), status)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, CaseListResponse{Cases: toCaseList(records), Count: len(records)})
}

// Search returns open cases whose name contains ?q=.
func (h *CasesHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}

	records, err := h.cases.SearchByName(r.Context(), q)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, CaseListResponse{Cases: toCaseList(records), Count: len(records)})
}

// Get returns a single case.
func (h *CasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := embeddingIDParam(r)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	rec, err := h.cases.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCaseResponse(rec))
}

// Edit applies a corrective edit from a JSON body.
func (h *CasesHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id, err := embeddingIDParam(r)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	rec, err := h.registrar.Edit(r.Context(), id, req.details())
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCaseResponse(rec))
}

// Close closes a case and removes it from matching.
func (h *CasesHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := embeddingIDParam(r)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	result, err := h.lifecycle.Close(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, CloseResponse{
		Case:         toCaseResponse(result.Case),
		IndexRemoved: result.IndexRemoved,
	})
}

// Resolve marks an open case resolved. It stays searchable.
func (h *CasesHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := embeddingIDParam(r)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	rec, err := h.lifecycle.Resolve(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCaseResponse(rec))
}
