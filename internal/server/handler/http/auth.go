// Package http provides the HTTP handlers and routing of the FlashKeeper
// server.
package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"go.uber.org/zap"
)

// AuthService defines the interface for authentication operations
// required by the HTTP handlers.
type AuthService interface {
	// Register creates an account and returns its first token pair.
	Register(ctx context.Context, creds models.Credentials) (models.AuthResponse, error)
	// Login checks credentials and returns a new token pair.
	Login(ctx context.Context, creds models.Credentials) (models.AuthResponse, error)
	// Refresh rotates a refresh token.
	Refresh(ctx context.Context, refreshToken string) (models.AuthResponse, error)
	// Logout revokes a refresh token.
	Logout(ctx context.Context, refreshToken string) error
}

// AuthHandler handles HTTP requests for registration, login and token
// renewal.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	Logger      *zap.Logger
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if !decodeJSON(w, r, &creds, maxBodyBytes) {
		return
	}
	resp, err := h.AuthService.Register(r.Context(), creds)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if !decodeJSON(w, r, &creds, maxBodyBytes) {
		return
	}
	resp, err := h.AuthService.Login(r.Context(), creds)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if !decodeJSON(w, r, &req, maxBodyBytes) {
		return
	}
	if req.RefreshToken == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	resp, err := h.AuthService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if !decodeJSON(w, r, &req, maxBodyBytes) {
		return
	}
	if err := h.AuthService.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
