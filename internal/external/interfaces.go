package external

import (
	"context"

	"odds/internal/types"
)

// WPS is one Web Processing Service server: chickadee for downscaling,
// finch for climate indices.
type WPS interface {
	Name() string
	// Execute submits a process asynchronously.
	Execute(ctx context.Context, process string, inputs []WPSInput) (*WPSExecution, error)
	// Status re-reads the execute response stored at statusLocation.
	Status(ctx context.Context, statusLocation string) (*WPSExecution, error)
	// Cancel stops a running job and returns the server's message.
	Cancel(ctx context.Context, jobID string) (string, error)
}

// Identity abstracts the identity service.
type Identity interface {
	SignIn(ctx context.Context, creds Credentials) (types.Identity, error)
	Session(ctx context.Context, ticket types.SecretString) (types.Identity, error)
	Register(ctx context.Context, reg Registration) (string, error)
}

// EmailProvider transmits a pre-rendered plain-text message and returns the
// provider's message id.
type EmailProvider interface {
	Send(ctx context.Context, msg types.EmailMessage) (providerMsgID string, err error)
}

var (
	_ WPS           = (*WPSClient)(nil)
	_ Identity      = (*IdentityClient)(nil)
	_ EmailProvider = (*SESClient)(nil)
)
