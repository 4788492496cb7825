// Package api exposes the scoring pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/service"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *service.Service, version string) *Server {
	handler := NewHandler(svc, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORS(cfg.AllowedOrigins)) // CORS for browser clients
	router.Use(RecoverMiddleware)        // Recover from panics
	router.Use(TracingMiddleware)        // OpenTelemetry tracing
	router.Use(LoggingMiddleware)        // Request logging
	router.Use(middleware.RealIP)        // Extract real IP
	router.Use(middleware.Compress(5))   // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Scoring
	router.Post("/calculate", handler.Calculate)
	router.Get("/calculations/{id}", handler.GetCalculation)
	router.Get("/activities/{id}", handler.GetActivity)

	// Ruleset management
	router.Get("/rulesets/active/version", handler.ActiveRulesetVersion)
	router.Post("/rulesets", handler.ImportRuleset)
	router.Post("/rulesets/{version}/activate", handler.ActivateRuleset)

	// Catalogs
	router.Get("/exercises", handler.ListExercises)
	router.Get("/achievements", handler.ListAchievements)

	// User progress
	router.Get("/users/{id}/progress", handler.GetUserProgress)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
