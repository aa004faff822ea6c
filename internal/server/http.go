package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/metrics"
)

// HTTPServer wraps an HTTP server serving the JSON API
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Host           string
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	Auth           *auth.Authenticator
	Metrics        *metrics.Metrics
}

// NewHTTPServer creates a new HTTP server routing to h
func NewHTTPServer(cfg HTTPServerConfig, h *Handler) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := NewRouter(cfg, h)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // LLM-backed endpoints
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		router: router,
		logger: logger,
	}
}

// NewRouter builds the chi router with middleware, health, metrics and API routes.
func NewRouter(cfg HTTPServerConfig, h *Handler) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authn := cfg.Auth
	if authn == nil {
		authn = auth.NewAuthenticator(nil, "", nil)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	if cfg.Metrics != nil {
		router.Use(metricsMiddleware(cfg.Metrics))
	}
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/", h.Index)
	router.Get("/health", h.Health)
	router.Get("/healthz", h.Health)
	router.Get("/readyz", h.Ready)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	router.Route("/api", func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/retrieve", h.Retrieve)
		r.Post("/summarize", h.Summarize)
		r.Post("/verify", h.Verify)
		r.Post("/classify", h.Classify)
		r.Post("/answer", h.Answer)
		r.Get("/embeddings/{id}", h.Embedding)
		r.With(auth.RequireAdmin).Post("/index/reload", h.Reload)
	})

	return router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
