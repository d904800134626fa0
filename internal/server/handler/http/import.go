package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxImportBytes bounds bulk import bodies.
const maxImportBytes = 64 << 20

// ImportService defines the bulk import operations.
type ImportService interface {
	Start(ctx context.Context, userID int64, cards []models.Card) (models.ImportJob, error)
	Get(ctx context.Context, userID int64, jobID string) (models.ImportJob, error)
}

// ImportHandler starts bulk imports and reports their progress.
type ImportHandler struct {
	ImportService ImportService
	Logger        *zap.Logger
}

// Start handles POST /api/import.
func (h *ImportHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.ImportRequest
	if !decodeJSON(w, r, &req, maxImportBytes) {
		return
	}
	job, err := h.ImportService.Start(r.Context(), userID, req.Cards)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	w.Header().Set("Location", "/api/import/jobs/"+job.JobID)
	writeJSON(w, http.StatusAccepted, job)
}

// Job handles GET /api/import/jobs/{id}.
func (h *ImportHandler) Job(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	job, err := h.ImportService.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
