package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atinyakov/FlashKeeper/internal/middleware"
	"github.com/atinyakov/FlashKeeper/internal/service"
	"go.uber.org/zap"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 8 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, limit int64) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Unknown errors are logged
// and reported as 500 without details.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInvalidToken):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, service.ErrUserExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		if log != nil {
			log.Error("request failed", zap.Error(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}
