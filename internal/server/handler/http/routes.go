package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/FlashKeeper/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Auth   *AuthHandler
	Sync   *SyncHandler
	Study  *StudyHandler
	Import *ImportHandler
	// DB is pinged by /health when set.
	DB Pinger
}

// NewRouter constructs and returns an HTTP handler that serves
// the FlashKeeper API.
//
// Routes:
//
//	GET  /health
//	POST /api/auth/register | login | refresh | logout
//	GET  /api/sync/dump                     (bearer)
//	POST /api/sync                          (bearer)
//	POST /api/datasets/selection            (bearer)
//	GET  /api/study/schedule?n=&collection= (bearer)
//	POST /api/study/response                (bearer)
//	POST /api/import                        (bearer)
//	GET  /api/import/jobs/{id}              (bearer)
func NewRouter(h Handlers, tokens middleware.TokenParser, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger))

	r.Get("/health", health(h.DB))

	r.Route("/api", func(r chi.Router) {
		// Only allow requests with Content-Type: application/json
		r.Use(chiMiddleware.AllowContentType("application/json"))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Auth.Register)
			r.Post("/login", h.Auth.Login)
			r.Post("/refresh", h.Auth.Refresh)
			r.Post("/logout", h.Auth.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(tokens))

			r.Get("/sync/dump", h.Sync.Dump)
			r.Post("/sync", h.Sync.Sync)
			r.Post("/datasets/selection", h.Sync.DatasetSelection)
			r.Get("/study/schedule", h.Study.Schedule)
			r.Post("/study/response", h.Study.Response)
			r.Post("/import", h.Import.Start)
			r.Get("/import/jobs/{id}", h.Import.Job)
		})
	})

	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
