package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the HTTP surface: event ingestion, trigger
// management, dispatch history, the delivery-receipt webhook, and health.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", h.IngestEvent)

		r.Route("/triggers", func(r chi.Router) {
			r.Post("/", h.CreateTrigger)
			r.Get("/", h.ListTriggers)
			r.Get("/{id}", h.GetTrigger)
			r.Put("/{id}", h.UpdateTrigger)
			r.Delete("/{id}", h.DisableTrigger)
		})

		r.Route("/dispatch-attempts", func(r chi.Router) {
			r.Get("/", h.ListAttempts)
			r.Get("/{id}", h.GetAttempt)
		})
	})

	// Provider callbacks are signed, not session-authenticated.
	r.Post("/webhooks/delivery", h.DeliveryReceipt)

	return r
}
