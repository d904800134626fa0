package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"go.uber.org/zap"
)

// SyncService defines the interface for synchronization operations
// required by the SyncHandler.
type SyncService interface {
	// Dump returns everything the user owns.
	Dump(ctx context.Context, userID int64) (models.UserSnapshot, error)
	// Sync applies a batch of client changes and returns the id map of the
	// placeholders it created.
	Sync(ctx context.Context, userID int64, req models.SyncRequest) (models.SyncResponse, error)
	// UpdateDatasetSelection replaces the user's dataset selection.
	UpdateDatasetSelection(ctx context.Context, userID int64, selected []string) (models.DatasetSelection, error)
}

// SyncHandler handles HTTP requests for snapshot download and batch sync.
type SyncHandler struct {
	SyncService SyncService
	Logger      *zap.Logger
}

// Dump handles GET /api/sync/dump.
func (h *SyncHandler) Dump(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	snap, err := h.SyncService.Dump(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Sync handles POST /api/sync.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.SyncRequest
	if !decodeJSON(w, r, &req, maxBodyBytes) {
		return
	}
	resp, err := h.SyncService.Sync(r.Context(), userID, req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DatasetSelection handles POST /api/datasets/selection.
func (h *SyncHandler) DatasetSelection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.DatasetSelectionRequest
	if !decodeJSON(w, r, &req, maxBodyBytes) {
		return
	}
	sel, err := h.SyncService.UpdateDatasetSelection(r.Context(), userID, req.Selected)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}
