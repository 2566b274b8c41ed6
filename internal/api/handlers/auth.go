// Package handlers maps the /v1 HTTP API onto the auth service, the catalog
// and the wizard sessions. Every handler answers with JSON and renders
// failures through core.Error.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"odds/internal/auth"
	"odds/internal/core"
	"odds/internal/external"
	"odds/internal/types"
)

// AuthService is the part of auth.Service the handlers use.
type AuthService interface {
	SignIn(ctx context.Context, creds external.Credentials, ip string) (*auth.Session, error)
	Confirm(ctx context.Context, cookie string) (types.Identity, error)
	Register(ctx context.Context, reg external.Registration) (string, error)
}

// CookieSettings names the session cookie and its Secure attribute.
type CookieSettings struct {
	Name   string
	Secure bool
}

// AuthHandler serves sign-in, registration and session checks.
type AuthHandler struct {
	service   AuthService
	validator *core.Validator
	cookie    CookieSettings
	logger    *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(svc AuthService, val *core.Validator, cookie CookieSettings, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{service: svc, validator: val, cookie: cookie, logger: logger}
}

// RegisterRoutes mounts /auth.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signin", h.HandleSignIn)
		r.Post("/register", h.HandleRegister)
		r.Get("/session", h.HandleSession)
		r.Post("/signout", h.HandleSignOut)
	})
}

type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	UserName      string     `json:"user_name,omitempty"`
	Email         string     `json:"email,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// HandleSignIn handles POST /v1/auth/signin. On success the sealed session
// cookie is set.
func (h *AuthHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var creds external.Credentials
	if err := core.DecodeJSON(w, r, &creds); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(creds); err != nil {
		core.Error(w, r, err)
		return
	}

	sess, err := h.service.SignIn(r.Context(), creds, core.ClientIP(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.SetSessionCookie(w, h.cookie.Name, sess.Cookie, sess.ExpiresAt, h.cookie.Secure)
	core.JSON(w, r, http.StatusOK, sessionResponse{
		Authenticated: true,
		UserName:      sess.Identity.UserName,
		Email:         sess.Identity.Email,
		ExpiresAt:     &sess.ExpiresAt,
	})
}

// HandleRegister handles POST /v1/auth/register. The identity service's
// outcome message is returned for display.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var reg external.Registration
	if err := core.DecodeJSON(w, r, &reg); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(reg); err != nil {
		core.Error(w, r, err)
		return
	}
	msg, err := h.service.Register(r.Context(), reg)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, map[string]string{"message": msg})
}

// HandleSession handles GET /v1/auth/session. It reports whether the cookie
// still maps to a live identity-service session, which lets clients sign
// users in automatically.
func (h *AuthHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(h.cookie.Name)
	if err != nil || c.Value == "" {
		core.JSON(w, r, http.StatusOK, sessionResponse{Authenticated: false})
		return
	}
	id, err := h.service.Confirm(r.Context(), c.Value)
	if err != nil {
		if types.IsCode(err, types.ErrCodeAuthSessionInvalid) {
			core.ClearSessionCookie(w, h.cookie.Name, h.cookie.Secure)
		}
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sessionResponse{
		Authenticated: true,
		UserName:      id.UserName,
		Email:         id.Email,
	})
}

// HandleSignOut handles POST /v1/auth/signout.
func (h *AuthHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	core.ClearSessionCookie(w, h.cookie.Name, h.cookie.Secure)
	core.NoContent(w)
}
