/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/rates/*              Ad-hoc calculation
  /api/orgs/{orgID}/*       Org-scoped templates, bulk jobs, analytics
  /api/templates/*          Template by id
  /api/bulk-calculations/*  Bulk job polling
  /api/cache/*              Metrics, warming stats, invalidation
  /api/health               Liveness and store check

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/rates/calculate", h.CalculateRate)

		// Org-scoped routes
		r.Route("/orgs/{orgID}", func(r chi.Router) {
			r.Get("/templates", h.ListTemplates)
			r.Post("/templates", h.CreateTemplate)
			r.Post("/templates/import", h.ImportTemplate)
			r.Get("/analytics", h.GetAnalytics)
			r.Get("/bulk-calculations", h.ListBulkCalculations)
			r.Post("/bulk-calculations", h.CreateBulkCalculation)
		})

		// Template routes
		r.Route("/templates/{id}", func(r chi.Router) {
			r.Get("/", h.GetTemplate)
			r.Patch("/", h.UpdateTemplate)
			r.Delete("/", h.DeleteTemplate)
			r.Put("/status", h.UpdateTemplateStatus)
			r.Get("/history", h.GetTemplateHistory)
			r.Get("/rate", h.GetTemplateRate)
			r.Get("/export", h.ExportTemplate)
		})

		r.Get("/bulk-calculations/{id}", h.GetBulkCalculation)

		// Cache routes
		r.Route("/cache", func(r chi.Router) {
			r.Get("/metrics", h.GetCacheMetrics)
			r.Get("/warming", h.GetWarmingStats)
			r.Delete("/", h.InvalidateCache)
		})
	})

	return r
}
