/**
 * @description
 * This file sets up the HTTP router for the roadmap service using the go-chi/chi router.
 * Public routes serve health, lead capture and provider webhooks; usage routes require a
 * Clerk session; the internal reset trigger is guarded by an API key.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the roadmap service routes.
func NewRouter(h *Handler, webhooks http.Handler, auth AuthMiddlewareConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Clerk-User-Id", "X-User-Email"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Roadmap service is healthy"))
	})

	r.Post("/leads", h.handleCaptureLead)
	if webhooks != nil {
		r.Method(http.MethodPost, "/webhooks/clerk", webhooks)
	}
	r.Post("/internal/credits/reset", h.handleRunReset)

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(auth))

		r.Post("/me/sync", h.handleSyncAccount)
		r.Get("/credits", h.handleGetCredits)
		r.Get("/credits/transactions", h.handleListTransactions)
		r.Post("/credits/check", h.handleCheckCredits)
		r.Post("/roadmaps", h.handleGenerateRoadmap)
	})

	return r
}
