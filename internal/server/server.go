// Package server provides the HTTP status and control surface: health
// and readiness probes, batch run observability, onboarding requests,
// and portfolio read endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Config holds server configuration
type Config struct {
	Port     int
	DevMode  bool
	Log      zerolog.Logger
	Handlers *Handlers
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes(cfg.Handlers)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(h *Handlers) {
	s.router.Get("/health", h.HandleHealth)
	s.router.Get("/ready", h.HandleReady)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/batch", func(r chi.Router) {
			r.Get("/current", h.HandleCurrentRun)
			r.Get("/history", h.HandleRunHistory)
		})

		r.Route("/onboarding", func(r chi.Router) {
			r.Post("/", h.HandleEnqueueOnboarding)
			r.Get("/{symbol}", h.HandleOnboardingStatus)
		})

		r.Route("/portfolios", func(r chi.Router) {
			r.Get("/", h.HandleListPortfolios)
			r.Get("/{id}/positions", h.HandleListPositions)
			r.Get("/{id}/analytics", h.HandlePortfolioAnalytics)
		})

		r.Get("/universe", h.HandleUniverse)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", h.HandleSystemStatus)
		})
	})
}

// Router exposes the configured router, used by handler tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
