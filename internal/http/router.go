// Package http builds the public HTTP router.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"voice-expense-service/internal/app"
	"voice-expense-service/internal/auth"
	"voice-expense-service/internal/store"
)

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Reports panics to Sentry, then re-panics into Recoverer.
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, req *http.Request) {
		if err := application.Ready(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		// Authenticates inside the handler so failures answer before the upgrade.
		r.Handle("/sessions/ws", application.WS)

		r.Group(func(r chi.Router) {
			r.Use(application.Verifier.Middleware)
			r.Get("/proposals/{id}", getProposal(application.Store))
		})
	})

	return r
}

func getProposal(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user := auth.UserFrom(req.Context())
		p, err := s.Get(req.Context(), chi.URLParam(req, "id"))
		switch {
		case errors.Is(err, store.ErrNotFound), err == nil && p.UserID != user.ID:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "proposal not found"})
			return
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
