package auth

import (
	"context"
	"log/slog"
	"time"

	"odds/internal/external"
	"odds/internal/types"
)

// Session is a freshly issued sign-in cookie value.
type Session struct {
	Identity  types.Identity
	Cookie    string
	ExpiresAt time.Time
}

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Identity external.Identity
	Sealer   *Sealer
	Limiter  *LoginLimiter
	// TTL is the cookie lifetime. Default 12h.
	TTL    time.Duration
	Clock  types.Clock
	Logger *slog.Logger
}

// Service signs users in through the identity service and validates the
// resulting cookies.
type Service struct {
	identity external.Identity
	sealer   *Sealer
	limiter  *LoginLimiter
	ttl      time.Duration
	clock    types.Clock
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		identity: cfg.Identity,
		sealer:   cfg.Sealer,
		limiter:  cfg.Limiter,
		ttl:      cfg.TTL,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if s.limiter == nil {
		s.limiter = NewLoginLimiter(DefaultLimiterConfig())
	}
	if s.ttl <= 0 {
		s.ttl = 12 * time.Hour
	}
	if s.clock == nil {
		s.clock = types.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SignIn checks creds with the identity service and seals the resulting
// ticket into a cookie value. Repeated failures from one address lock the
// user name out for a while.
func (s *Service) SignIn(ctx context.Context, creds external.Credentials, ip string) (*Session, error) {
	if !s.limiter.Allowed(creds.UserName, ip) {
		s.logger.WarnContext(ctx, "sign-in refused by brute force protection", "user_name", creds.UserName, "ip", ip)
		return nil, types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"Too many failed sign-in attempts. Please try again later.", nil)
	}

	id, err := s.identity.SignIn(ctx, creds)
	if err != nil {
		if types.IsCode(err, types.ErrCodeAuthInvalidCreds) {
			s.limiter.Record(creds.UserName, ip, false)
		}
		return nil, err
	}
	s.limiter.Record(creds.UserName, ip, true)

	expires := s.clock.Now().Add(s.ttl)
	value, err := s.sealer.Seal(Claims{
		UserName:  id.UserName,
		Email:     id.Email,
		Ticket:    id.Ticket.Unmask(),
		ExpiresAt: expires,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to issue session", err)
	}

	s.logger.InfoContext(ctx, "user signed in", "user_name", id.UserName)
	return &Session{Identity: id, Cookie: value, ExpiresAt: expires}, nil
}

// Authenticate opens a cookie value and checks its expiry. The identity
// service is not consulted.
func (s *Service) Authenticate(_ context.Context, cookie string) (types.Identity, error) {
	if cookie == "" {
		return types.Identity{}, types.NewAppError(types.ErrCodeAuthSessionMissing, "Please sign in first.", nil)
	}
	c, err := s.sealer.Open(cookie)
	if err != nil {
		return types.Identity{}, err
	}
	if !s.clock.Now().Before(c.ExpiresAt) {
		return types.Identity{}, types.NewAppError(types.ErrCodeAuthSessionInvalid, "Your session has expired. Please sign in again.", nil)
	}
	return c.Identity(), nil
}

// Confirm authenticates the cookie and asks the identity service whether
// its ticket is still valid, refreshing the user name and email.
func (s *Service) Confirm(ctx context.Context, cookie string) (types.Identity, error) {
	id, err := s.Authenticate(ctx, cookie)
	if err != nil {
		return types.Identity{}, err
	}
	fresh, err := s.identity.Session(ctx, id.Ticket)
	if err != nil {
		return types.Identity{}, err
	}
	if !fresh.Authenticated {
		return types.Identity{}, types.NewAppError(types.ErrCodeAuthSessionInvalid, "Your session has ended. Please sign in again.", nil)
	}
	fresh.Ticket = id.Ticket
	return fresh, nil
}

// Register forwards a sign-up to the identity service and returns the
// message shown to the user.
func (s *Service) Register(ctx context.Context, reg external.Registration) (string, error) {
	msg, err := s.identity.Register(ctx, reg)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "registration submitted", "user_name", reg.UserName)
	return msg, nil
}
