package auth

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig tunes sign-in brute force protection.
type LimiterConfig struct {
	// MaxFailures is how many failed sign-ins a user name and address pair
	// may accumulate before further attempts are refused.
	MaxFailures int
	// Window is the time over which the failure budget refills completely.
	Window time.Duration
}

// DefaultLimiterConfig allows five failures per fifteen minutes.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{MaxFailures: 5, Window: 15 * time.Minute}
}

// LoginLimiter refuses sign-in attempts for a user name and client address
// after repeated failures. Each pair holds a token bucket of MaxFailures
// tokens refilled over Window; every failure spends one token.
type LoginLimiter struct {
	cfg LimiterConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLoginLimiter creates a limiter.
func NewLoginLimiter(cfg LimiterConfig) *LoginLimiter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultLimiterConfig().MaxFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultLimiterConfig().Window
	}
	return &LoginLimiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

func limiterKey(userName, ip string) string {
	return strings.ToLower(strings.TrimSpace(userName)) + "|" + ip
}

// Allowed reports whether the pair may attempt to sign in.
func (l *LoginLimiter) Allowed(userName, ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[limiterKey(userName, ip)]
	if !ok {
		return true
	}
	return b.lim.TokensAt(l.now()) >= 1
}

// Record registers the outcome of an attempt. Success forgets the pair's
// failures.
func (l *LoginLimiter) Record(userName, ip string, success bool) {
	key := limiterKey(userName, ip)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if success {
		delete(l.buckets, key)
		return
	}
	l.pruneLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		every := l.cfg.Window / time.Duration(l.cfg.MaxFailures)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), l.cfg.MaxFailures)}
		l.buckets[key] = b
	}
	b.lim.AllowN(now, 1)
	b.lastSeen = now
}

// pruneLocked drops pairs whose budget has fully refilled.
func (l *LoginLimiter) pruneLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.Window {
			delete(l.buckets, k)
		}
	}
}
