package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/facematch"
	"github.com/kozaktomas/child-finder/internal/logging"
)

// Identifier matches faces in uploaded images against registered cases.
type Identifier interface {
	IdentifyImages(ctx context.Context, files [][]byte, mode facematch.Mode) (*facematch.Result, error)
}

// MatchResponse is one matched case.
type MatchResponse struct {
	Case       CaseResponse `json:"case"`
	Similarity float64      `json:"similarity"`
}

// IdentifyResponse is the outcome of an identification request.
type IdentifyResponse struct {
	Mode          string          `json:"mode"`
	Matches       []MatchResponse `json:"matches"`
	NoMatch       bool            `json:"no_match"`
	FacesDetected int             `json:"faces_detected"`
	FacesSearched int             `json:"faces_searched"`
	FacesSkipped  int             `json:"faces_skipped"`
}

// IdentifyHandler handles identification requests.
type IdentifyHandler struct {
	matcher Identifier
	logger  *slog.Logger
}

// NewIdentifyHandler creates a new identify handler.
func NewIdentifyHandler(matcher Identifier, logger *slog.Logger) *IdentifyHandler {
	return &IdentifyHandler{matcher: matcher, logger: logging.OrDefault(logger)}
}

// Identify handles a multipart upload of one or more "files" (images or
// videos). The optional "mode" field selects interactive or batch.
func (h *IdentifyHandler) Identify(w http.ResponseWriter, r *http.Request) {
	if err := parseUpload(w, r); err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	var mode facematch.Mode
	switch r.FormValue("mode") {
	case "", "interactive":
		mode = facematch.Interactive
	case "batch":
		mode = facematch.Batch
	default:
		respondError(w, http.StatusBadRequest, "mode must be interactive or batch")
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}
	if len(files) > constants.MaxIdentifyFiles {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d files per request", constants.MaxIdentifyFiles))
		return
	}

	data, err := readUploadedFiles(files)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	result, err := h.matcher.IdentifyImages(r.Context(), data, mode)
	if err != nil {
		respondServiceError(w, h.logger, r, err)
		return
	}

	resp := IdentifyResponse{
		Mode:          mode.String(),
		Matches:       make([]MatchResponse, 0, len(result.Matches)),
		NoMatch:       result.NoMatch(),
		FacesDetected: result.FacesDetected,
		FacesSearched: result.FacesSearched,
		FacesSkipped:  result.FacesSkipped,
	}
	for i := range result.Matches {
		m := &result.Matches[i]
		resp.Matches = append(resp.Matches, MatchResponse{Case: toCaseResponse(&m.Case), Similarity: m.Similarity})
	}

	h.logger.Info("identification request processed",
		"mode", resp.Mode,
		"files", len(files),
		"faces", resp.FacesDetected,
		"matches", len(resp.Matches))
	respondJSON(w, http.StatusOK, resp)
}
