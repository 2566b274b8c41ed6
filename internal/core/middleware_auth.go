package core

import (
	"log/slog"
	"net/http"
	"time"

	"odds/internal/types"
)

// SessionMiddleware resolves the session cookie, when present, into an
// identity stored with types.WithIdentity. Requests without a valid cookie
// continue anonymously; RequireIdentity rejects them where sign-in is needed.
//
// If no Authenticator is configured the middleware passes through.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}
		c, err := r.Cookie(s.CookieName())
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := s.Authenticator.Authenticate(r.Context(), c.Value)
		if err != nil {
			types.LoggerFromContext(r.Context(), s.Logger).DebugContext(r.Context(), "ignoring session cookie",
				slog.String("code", string(types.CodeOf(err))),
			)
			ClearSessionCookie(w, s.CookieName(), s.CookieSecure())
			next.ServeHTTP(w, r)
			return
		}

		ctx := types.WithIdentity(r.Context(), id)
		ctx = types.WithLogger(ctx, types.LoggerFromContext(ctx, s.Logger).With("user_name", id.UserName))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireIdentity rejects requests that carry no signed-in identity with
// auth_session_missing.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := types.GetIdentity(r.Context()); !ok || !id.Authenticated {
			Error(w, r, types.NewAppError(types.ErrCodeAuthSessionMissing, "Please sign in first.", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetSessionCookie writes the sealed session cookie.
func SetSessionCookie(w http.ResponseWriter, name, value string, expires time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie in the browser.
func ClearSessionCookie(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// CookieName is the configured session cookie name.
func (s *Server) CookieName() string {
	if s.Config != nil && s.Config.Auth.CookieName != "" {
		return s.Config.Auth.CookieName
	}
	return "odds_session"
}

// CookieSecure reports whether cookies carry the Secure attribute.
func (s *Server) CookieSecure() bool {
	return s.Config == nil || s.Config.Auth.CookieSecure
}
