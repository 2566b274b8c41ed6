// Package core provides the API chassis for ODDS. It creates a chi router
// that serves both standard HTTP (for local dev) and AWS Lambda proxy
// integration, and enforces the cross-cutting concerns (security headers,
// logging, metrics, session cookies and error rendering) before requests reach
// the handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"odds/internal/config"
)

// Server holds the dependencies of the API router.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	RateLimiter   *IPRateLimiter
	HealthProbes  []HealthProbe

	// V1RouteRegistrars mount the handler packages under /v1. They are
	// populated by cmd/api to keep core free of handler imports.
	V1RouteRegistrars []func(chi.Router)

	// Closers run on Shutdown in order.
	Closers []func() error

	router *chi.Mux
}

// NewServer prepares a server. Routes are mounted separately with
// MountRoutes so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources such as the database pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	start := time.Now()
	for _, c := range s.Closers {
		if err := c(); err != nil {
			s.Logger.ErrorContext(ctx, "error releasing server resource", "error", err)
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	s.Logger.InfoContext(ctx, "server shutdown complete", "duration", time.Since(start))
	return nil
}
