package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"go.uber.org/zap"
)

// DefaultScheduleSize is used when the n query parameter is absent.
const DefaultScheduleSize = 20

// StudyService defines the study operations required by the StudyHandler.
type StudyService interface {
	Schedule(ctx context.Context, userID int64, n int, collection *models.ID) (models.ScheduleResponse, error)
	StudyResponse(ctx context.Context, userID int64, req models.StudyResponseRequest) (models.StudyResponse, error)
}

// StudyHandler serves the study schedule and review submission.
type StudyHandler struct {
	StudyService StudyService
	Logger       *zap.Logger
}

// Schedule handles GET /api/study/schedule?n=&collection=.
func (h *StudyHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	n := DefaultScheduleSize
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = v
	}
	var collection *models.ID
	if raw := r.URL.Query().Get("collection"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v == 0 {
			http.Error(w, "invalid collection", http.StatusBadRequest)
			return
		}
		id := models.FromWire(v)
		collection = &id
	}

	resp, err := h.StudyService.Schedule(r.Context(), userID, n, collection)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Response handles POST /api/study/response.
func (h *StudyHandler) Response(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req models.StudyResponseRequest
	if !decodeJSON(w, r, &req, maxBodyBytes) {
		return
	}
	resp, err := h.StudyService.StudyResponse(r.Context(), userID, req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
