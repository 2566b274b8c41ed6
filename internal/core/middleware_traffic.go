package core

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"odds/internal/types"
)

// IPRateLimiter holds one token bucket per client address. Buckets idle for
// longer than idleTTL are dropped on the next Allow.
type IPRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	buckets   map[string]*ipBucket
	lastPrune time.Time
}

type ipBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows rps requests per second per address with the given
// burst.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*ipBucket),
	}
}

// Allow spends one token for ip. When refused it returns how long until a
// token is available.
func (l *IPRateLimiter) Allow(ip string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// RateLimit refuses requests from addresses over their budget with 429 and
// Retry-After. It passes through when no limiter is configured.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r)
		ok, wait := s.RateLimiter.Allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		types.LoggerFromContext(r.Context(), s.Logger).WarnContext(r.Context(), "rate limit exceeded",
			slog.String("ip", ip),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		JSON(w, r, http.StatusTooManyRequests, APIErrorResponse{Error: ErrorDetail{
			Code:      string(errCodeRateLimited),
			Message:   "Too many requests. Please slow down.",
			RequestID: types.GetRequestID(r.Context()),
		}})
	})
}

const errCodeRateLimited types.ErrorCode = "rate_limit_exceeded"
