package http

import (
	"log/slog"
	"net/http"

	"github.com/classmesh/event-relay/internal/ports"
	"github.com/go-chi/chi/v5"
)

func NewRouter(logger *slog.Logger, handler *Handler, verifier ports.TokenVerifier) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok", nil) })
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ready", nil) })
	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(verifier))
		r.Group(func(r chi.Router) {
			r.Use(requireRole("admin", "service"))
			r.Post("/events", handler.publishEvent)
		})
		r.Group(func(r chi.Router) {
			r.Use(requireRole("admin"))
			r.Get("/deadletters", handler.listDeadLetters)
			r.Post("/deadletters/{record_id}/replay", handler.replayDeadLetter)
			r.Get("/subscriptions", handler.listSubscriptions)
		})
	})
	return r
}
