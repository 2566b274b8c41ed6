package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"odds/internal/config"
	"odds/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	cfg.Auth.CookieName = "odds_session"
	s, err := NewServer(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestNewServer_RequiresDependencies(t *testing.T) {
	if _, err := NewServer(nil, testLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestRecoverer(t *testing.T) {
	s := newTestServer(t)
	h := s.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code = %q", got)
	}
}

func TestRequestLogger_StoresLoggerInContext(t *testing.T) {
	var sawLogger bool
	h := RequestIDMiddleware(RequestLogger(testLogger(), defaultRedactedHeaders)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawLogger = types.LoggerFromContext(r.Context(), nil) != nil
			w.WriteHeader(http.StatusTeapot)
		}),
	))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !sawLogger || rec.Code != http.StatusTeapot {
		t.Errorf("sawLogger=%v status=%d", sawLogger, rec.Code)
	}
}

func TestSessionMiddleware(t *testing.T) {
	s := newTestServer(t)
	auth := &MockAuthenticator{Cookies: map[string]types.Identity{
		"good": {UserName: "alice", Email: "alice@example.org", Authenticated: true},
	}}
	s.Authenticator = auth

	var got types.Identity
	var ok bool
	h := s.SessionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = types.GetIdentity(r.Context())
	}))

	t.Run("valid cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "odds_session", Value: "good"})
		h.ServeHTTP(httptest.NewRecorder(), req)
		if !ok || got.UserName != "alice" {
			t.Errorf("identity = %+v, ok=%v", got, ok)
		}
	})

	t.Run("invalid cookie is cleared", func(t *testing.T) {
		ok = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "odds_session", Value: "forged"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if ok {
			t.Error("forged cookie produced an identity")
		}
		if sc := rec.Header().Get("Set-Cookie"); !strings.Contains(sc, "Max-Age=0") {
			t.Errorf("Set-Cookie = %q, want expiry", sc)
		}
	})

	t.Run("no cookie", func(t *testing.T) {
		ok = false
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		if ok {
			t.Error("anonymous request produced an identity")
		}
	})
}

func TestRequireIdentity(t *testing.T) {
	h := RequireIdentity(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != string(types.ErrCodeAuthSessionMissing) {
		t.Errorf("code = %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithIdentity(req.Context(), types.Identity{UserName: "a", Authenticated: true}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCSRFMiddleware(t *testing.T) {
	s := newTestServer(t)
	h := s.CSRFMiddleware(okHandler)

	tests := []struct {
		name   string
		method string
		cookie bool
		header bool
		want   int
	}{
		{name: "safe method", method: http.MethodGet, cookie: true, want: http.StatusOK},
		{name: "no cookie", method: http.MethodPost, want: http.StatusOK},
		{name: "cookie without header", method: http.MethodPost, cookie: true, want: http.StatusForbidden},
		{name: "cookie with header", method: http.MethodPut, cookie: true, header: true, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.cookie {
				req.AddCookie(&http.Cookie{Name: "odds_session", Value: "v"})
			}
			if tt.header {
				req.Header.Set(csrfHeader, "1")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := ClientIP(req); got != "10.1.2.3" {
		t.Errorf("ClientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q", got)
	}
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(1, 2)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("a"); !ok {
			t.Fatalf("request %d refused", i)
		}
	}
	ok, wait := l.Allow("a")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("third request: ok=%v wait=%v", ok, wait)
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Error("other addresses have their own bucket")
	}
	now = now.Add(time.Second)
	if ok, _ := l.Allow("a"); !ok {
		t.Error("bucket should refill after a second")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t)
	s.RateLimiter = NewIPRateLimiter(0.001, 1)
	h := s.RateLimit(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestCORS(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://odds.example"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "https://odds.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials not allowed")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), csrfHeader) {
		t.Error("csrf header not allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin was allowed")
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	s := newTestServer(t)
	m := &MockMetricsCollector{}
	s.Metrics = m
	s.V1RouteRegistrars = []func(chi.Router){func(r chi.Router) {
		r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	}}
	s.MountRoutes()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil))

	got := m.Snapshot()
	if len(got) != 1 {
		t.Fatalf("recorded %d requests", len(got))
	}
	if got[0].Route != "/v1/sessions/{id}" || got[0].Status != "202" {
		t.Errorf("recorded %+v", got[0])
	}
}

type stubProbe struct {
	name  string
	err   error
	delay time.Duration
}

func (p stubProbe) Name() string { return p.name }

func (p stubProbe) Check(ctx context.Context) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name   string
		probes []HealthProbe
		want   int
	}{
		{name: "no probes", want: http.StatusOK},
		{name: "healthy", probes: []HealthProbe{stubProbe{name: "database"}, stubProbe{name: "identity"}}, want: http.StatusOK},
		{name: "one down", probes: []HealthProbe{stubProbe{name: "database"}, stubProbe{name: "identity", err: errors.New("refused")}}, want: http.StatusServiceUnavailable},
		{name: "slow", probes: []HealthProbe{stubProbe{name: "queue", delay: 5 * time.Second}}, want: http.StatusServiceUnavailable},
		{name: "panicking", probes: []HealthProbe{ProbeFunc{ProbeName: "p", Fn: func(context.Context) error { panic("x") }}}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.HealthProbes = tt.probes
			rec := httptest.NewRecorder()
			s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestMountRoutes_ChainIntegration(t *testing.T) {
	s := newTestServer(t)
	s.Authenticator = &MockAuthenticator{Cookies: map[string]types.Identity{
		"good": {UserName: "alice", Authenticated: true},
	}}
	s.V1RouteRegistrars = []func(chi.Router){func(r chi.Router) {
		r.With(RequireIdentity).Post("/echo", func(w http.ResponseWriter, r *http.Request) {
			id, _ := types.GetIdentity(r.Context())
			JSON(w, r, http.StatusOK, map[string]string{"user": id.UserName})
		})
	}}
	s.MountRoutes()

	req := httptest.NewRequest(http.MethodPost, "/v1/echo", nil)
	req.Header.Set("X-Request-Id", "trace-1")
	req.Header.Set(csrfHeader, "1")
	req.AddCookie(&http.Cookie{Name: "odds_session", Value: "good"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") != "trace-1" {
		t.Error("request id not propagated")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	if !strings.Contains(rec.Body.String(), `"user":"alice"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}
