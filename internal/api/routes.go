package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the agent's router. Requests under /local/v1 are the
// local API; every other request is intercepted by the cache manager.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/local/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)
		if h.events != nil {
			r.Handle("/events", h.events)
		}

		// Protected routes (auth required when an API key is configured)
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(RequireAPIKey(h.apiKey))
			}
			r.Get("/state", h.State)
			r.Post("/connectivity", h.ReportConnectivity)

			r.Get("/queue", h.ListQueue)
			r.Post("/queue", h.Enqueue)
			r.Post("/queue/drain", h.Drain)
			r.Post("/queue/{timestamp}/dead-letter", h.DeadLetterEntry)
			r.Get("/dead-letter", h.ListDeadLetters)
			r.Post("/dead-letter/{timestamp}/requeue", h.Requeue)

			r.Post("/lists", h.CreateList)
			r.Get("/lists/{id}", h.GetList)
			r.Put("/lists/{id}", h.UpdateList)
			r.Post("/lists/{id}/items", h.AddListItem)
			r.Get("/preferences", h.GetPreferences)
			r.Put("/preferences", h.SavePreferences)

			r.Post("/background-sync", h.RegisterBackgroundSync)
			r.Get("/cache", h.CacheStats)
			r.Delete("/cache", h.ClearCache)
		})

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			WriteProblem(w, r, http.StatusNotFound, "Unknown local API route")
		})
	})

	r.Handle("/*", h.cache)

	return r
}
