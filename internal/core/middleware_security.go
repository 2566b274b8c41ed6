package core

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"odds/internal/types"
)

// csrfHeader must accompany state-changing requests that carry the session
// cookie. Browsers cannot attach custom headers to cross-site requests
// without a CORS preflight, which only listed origins pass.
const csrfHeader = "X-ODDS-Request"

const errCodeCSRF types.ErrorCode = "auth_csrf_header_missing"

// CSRFMiddleware rejects unsafe requests that carry the session cookie but
// not the X-ODDS-Request header. Requests without the cookie are left to
// RequireIdentity.
func (s *Server) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := r.Cookie(s.CookieName()); err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(csrfHeader) == "" {
			types.LoggerFromContext(r.Context(), s.Logger).WarnContext(r.Context(), "csrf header missing",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			JSON(w, r, http.StatusForbidden, APIErrorResponse{Error: ErrorDetail{
				Code:      string(errCodeCSRF),
				Message:   "Missing " + csrfHeader + " header",
				RequestID: types.GetRequestID(r.Context()),
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the original client address: the first X-Forwarded-For
// entry when present, otherwise RemoteAddr without its port.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
