package core

import (
	"context"
	"time"

	"odds/internal/types"
)

// Authenticator turns a session cookie value into the signed-in identity.
// auth.Service satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, cookie string) (types.Identity, error)
}

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// HealthProbe checks one dependency (database, identity service, queue).
type HealthProbe interface {
	Name() string
	// Check must honour the context deadline.
	Check(ctx context.Context) error
}
