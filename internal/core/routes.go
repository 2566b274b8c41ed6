package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"odds/internal/types"
)

// defaultRequestTimeout is the Lambda timeout minus one second.
const defaultRequestTimeout = 29 * time.Second

var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
}

// MountRoutes registers the global middleware chain, /health and the /v1
// group.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()
	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", s.mountV1)
}

// registerGlobalMiddleware applies middleware in order:
//
//  1. Recoverer        catches panics; outermost.
//  2. ContextTimeout   soft deadline before the Lambda hard timeout.
//  3. RequestID        correlation id.
//  4. SecurityHeaders
//  5. RequestLogger    request-scoped logger, redacted headers.
//  6. CORS
//  7. Metrics
//  8. RateLimit        per client address.
//  9. Session          resolves the cookie into an identity.
// 10. CSRF             needs the cookie; runs after Session.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(s.RateLimit)
	s.router.Use(s.SessionMiddleware)
	s.router.Use(s.CSRFMiddleware)
}

func (s *Server) mountV1(r chi.Router) {
	for _, register := range s.V1RouteRegistrars {
		register(r)
	}
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses an incoming X-Request-Id or generates one, stores
// it with types.WithRequestID and echoes it in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = generateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
