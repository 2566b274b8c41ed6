package core

import (
	"context"
	"sync"
	"time"

	"odds/internal/types"
)

// MockAuthenticator implements Authenticator for tests. Cookies maps cookie
// values to identities; any other value fails with auth_session_invalid.
type MockAuthenticator struct {
	Cookies map[string]types.Identity

	mu    sync.Mutex
	Calls []string
}

func (m *MockAuthenticator) Authenticate(_ context.Context, cookie string) (types.Identity, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cookie)
	m.mu.Unlock()

	if id, ok := m.Cookies[cookie]; ok {
		return id, nil
	}
	return types.Identity{}, types.NewAppError(types.ErrCodeAuthSessionInvalid, "invalid session", nil)
}

// RecordedRequest is one MetricsCollector call.
type RecordedRequest struct {
	Method, Route, Status string
	Duration              time.Duration
}

// MockMetricsCollector records RecordRequest calls.
type MockMetricsCollector struct {
	mu       sync.Mutex
	Requests []RecordedRequest
}

func (m *MockMetricsCollector) RecordRequest(method, route, status string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RecordedRequest{Method: method, Route: route, Status: status, Duration: d})
}

// Snapshot returns a copy of the recorded calls.
func (m *MockMetricsCollector) Snapshot() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.Requests...)
}
