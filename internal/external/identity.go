package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"odds/internal/types"
)

// TicketCookie is the identity service's authentication cookie.
const TicketCookie = "auth_tkt"

// Registration outcome messages shown to the user.
const (
	RegistrationOK      = "✅ Registration successful! Check your email."
	RegistrationPending = "⚠️ This user is already pending registration."
)

// Credentials are the sign-in form fields.
type Credentials struct {
	UserName string `json:"user_name" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Registration is the sign-up form.
type Registration struct {
	UserName string `json:"user_name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type sessionResponse struct {
	Authenticated bool `json:"authenticated"`
	User          struct {
		UserName string `json:"user_name"`
		Email    string `json:"email"`
	} `json:"user"`
}

// IdentityClient talks to the Magpie identity service.
type IdentityClient struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

// NewIdentityClient creates a client for the service rooted at baseURL.
func NewIdentityClient(base *BaseClient, baseURL string, logger *slog.Logger) *IdentityClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityClient{
		base:    base,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// SignIn exchanges credentials for a ticket and confirms it against the
// session endpoint. The returned Identity carries the ticket for later
// session checks.
func (c *IdentityClient) SignIn(ctx context.Context, creds Credentials) (types.Identity, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return types.Identity{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize credentials", err)
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/signin", body)
	if err != nil {
		return types.Identity{}, err
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return types.Identity{}, identityUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.InfoContext(ctx, "sign-in rejected", "user_name", creds.UserName, "status", resp.StatusCode)
		return types.Identity{}, types.NewAppError(types.ErrCodeAuthInvalidCreds,
			fmt.Sprintf("Login failed: %d", resp.StatusCode), nil)
	}

	var ticket string
	for _, ck := range resp.Cookies() {
		if ck.Name == TicketCookie {
			ticket = ck.Value
			break
		}
	}
	if ticket == "" {
		return types.Identity{}, types.NewAppError(types.ErrCodeUpstreamIdentity, "No auth_tkt cookie found after login", nil)
	}

	id, err := c.Session(ctx, types.SecretString(ticket))
	if err != nil {
		return types.Identity{}, err
	}
	if !id.Authenticated {
		return types.Identity{}, types.NewAppError(types.ErrCodeAuthSessionInvalid,
			"Login succeeded but /session did not confirm authentication.", nil)
	}
	return id, nil
}

// Session resolves a ticket to the identity it belongs to. An unknown or
// expired ticket yields an unauthenticated Identity, not an error.
func (c *IdentityClient) Session(ctx context.Context, ticket types.SecretString) (types.Identity, error) {
	req, err := c.newJSONRequest(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return types.Identity{}, err
	}
	req.AddCookie(&http.Cookie{Name: TicketCookie, Value: ticket.Unmask()})

	resp, err := c.base.Do(req)
	if err != nil {
		return types.Identity{}, identityUnavailable(err)
	}
	raw, err := readBody(resp, 64<<10)
	if err != nil {
		return types.Identity{}, identityUnavailable(err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.Identity{}, nil
	}

	var sr sessionResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return types.Identity{}, types.NewAppError(types.ErrCodeUpstreamIdentity, "failed to decode session response", err)
	}
	if !sr.Authenticated {
		return types.Identity{}, nil
	}

	id := types.Identity{
		UserName:      sr.User.UserName,
		Email:         sr.User.Email,
		Authenticated: true,
		Ticket:        ticket,
	}
	if id.UserName == "" {
		id.UserName = "user"
	}
	return id, nil
}

// Register creates a pending account and returns the message to display.
// A 409 is reported as ErrCodeConflictRegistration.
func (c *IdentityClient) Register(ctx context.Context, reg Registration) (string, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize registration", err)
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/register/users", body)
	if err != nil {
		return "", err
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return "", identityUnavailable(err)
	}
	raw, err := readBody(resp, 64<<10)
	if err != nil {
		return "", identityUnavailable(err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		c.logger.InfoContext(ctx, "registration accepted", "user_name", reg.UserName)
		return RegistrationOK, nil
	case http.StatusConflict:
		return "", types.NewAppError(types.ErrCodeConflictRegistration, RegistrationPending, nil)
	default:
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			fmt.Sprintf("❌ Registration failed: %d, %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			nil,
			map[string]any{"status_code": resp.StatusCode},
		)
	}
}

func (c *IdentityClient) newJSONRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create identity request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func identityUnavailable(err error) error {
	return types.NewAppError(types.ErrCodeUpstreamIdentity, "identity service unavailable", err)
}
