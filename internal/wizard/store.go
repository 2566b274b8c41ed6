package wizard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"odds/internal/types"
)

type storeEntry struct {
	session  *Session
	owner    string
	lastSeen time.Time
}

// Store keeps the live sessions of the API process. Sessions idle for longer
// than the TTL are dropped by Sweep.
type Store struct {
	deps Deps
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]*storeEntry
}

// NewStore creates a store whose sessions share deps.
func NewStore(deps Deps, ttl time.Duration) *Store {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Store{deps: deps, ttl: ttl, sessions: make(map[string]*storeEntry)}
}

// Create starts a session owned by id.
func (s *Store) Create(id types.Identity) *Session {
	sessionID := uuid.NewString()
	sess := NewSession(sessionID, &id, s.deps)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &storeEntry{session: sess, owner: id.UserName, lastSeen: s.deps.Clock.Now()}
	return sess
}

// Get returns the session if it exists and belongs to owner.
func (s *Store) Get(sessionID, owner string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok || e.owner != owner {
		return nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
	}
	e.lastSeen = s.deps.Clock.Now()
	return e.session, nil
}

// Delete ends a session.
func (s *Store) Delete(sessionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok || e.owner != owner {
		return types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
	}
	delete(s.sessions, sessionID)
	return nil
}

// Len is the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops idle sessions and returns how many were removed.
func (s *Store) Sweep() int {
	cutoff := s.deps.Clock.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				s.deps.Logger.InfoContext(ctx, "expired wizard sessions", "count", n)
			}
		}
	}
}
