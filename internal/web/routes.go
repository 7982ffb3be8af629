package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/child-finder/internal/web/handlers"
	"github.com/kozaktomas/child-finder/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.services.Checks, s.services.Index)
	casesHandler := handlers.NewCasesHandler(s.services.Cases, s.services.Registrar, s.services.Lifecycle, s.logger)
	identifyHandler := handlers.NewIdentifyHandler(s.services.Matcher, s.logger)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", healthHandler.Health)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.APIToken))

		r.Route("/cases", func(r chi.Router) {
			r.Get("/", casesHandler.List)
			r.Post("/", casesHandler.Register)
			r.Get("/search", casesHandler.Search)
			r.Get("/{embeddingId}", casesHandler.Get)
			r.Patch("/{embeddingId}", casesHandler.Edit)
			r.Post("/{embeddingId}/close", casesHandler.Close)
			r.Post("/{embeddingId}/resolve", casesHandler.Resolve)
		})

		r.Post("/identify", identifyHandler.Identify)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}` + "\n"))
	})
}
