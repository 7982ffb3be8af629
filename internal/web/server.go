// Package web exposes case registration, lookup, lifecycle and identification over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/child-finder/internal/config"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/logging"
	"github.com/kozaktomas/child-finder/internal/web/handlers"
	"github.com/kozaktomas/child-finder/internal/web/middleware"
)

// Services are the application services behind the API.
type Services struct {
	Cases     database.CaseReader
	Registrar handlers.Registrar
	Lifecycle handlers.Lifecycle
	Matcher   handlers.Identifier
	Index     database.EmbeddingIndex   // optional, reported by the health check
	Checks    map[string]handlers.Check // dependency health checks
}

// Server represents the web server
type Server struct {
	config     config.WebConfig
	services   Services
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new web server
func NewServer(cfg config.WebConfig, services Services, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	logger = logging.OrDefault(logger)

	s := &Server{
		config:   cfg,
		services: services,
		router:   r,
		logger:   logger,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(5 * time.Minute))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute, // uploads
		WriteTimeout:      5 * time.Minute, // identification of videos
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr, "auth", s.config.APIToken != "")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
