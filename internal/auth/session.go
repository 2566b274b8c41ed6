// Package auth keeps users signed in between requests. The identity
// service's ticket is sealed into a browser cookie together with the user's
// name, email and an expiry, so no session table is needed.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"odds/internal/types"
)

const nonceSize = 24

// Claims is the cookie payload.
type Claims struct {
	UserName  string    `json:"u"`
	Email     string    `json:"e"`
	Ticket    string    `json:"t"`
	ExpiresAt time.Time `json:"x"`
}

// Identity converts the claims into the authenticated identity they record.
func (c Claims) Identity() types.Identity {
	return types.Identity{
		UserName:      c.UserName,
		Email:         c.Email,
		Authenticated: true,
		Ticket:        types.SecretString(c.Ticket),
	}
}

// Sealer encrypts and authenticates cookie payloads with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the box key from secret, which must be at least 32
// bytes.
func NewSealer(secret types.SecretString) (*Sealer, error) {
	if len(secret.Unmask()) < 32 {
		return nil, fmt.Errorf("session key must be at least 32 bytes")
	}
	return &Sealer{key: sha256.Sum256([]byte(secret.Unmask()))}, nil
}

// Seal returns the URL-safe encoding of nonce||box(claims).
func (s *Sealer) Seal(c Claims) (string, error) {
	plain, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode session claims: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate session nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Any tampering, truncation or foreign key is reported
// as an invalid session.
func (s *Sealer) Open(value string) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return Claims{}, invalidSession()
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return Claims{}, invalidSession()
	}
	var c Claims
	if err := json.Unmarshal(plain, &c); err != nil {
		return Claims{}, invalidSession()
	}
	return c, nil
}

func invalidSession() error {
	return types.NewAppError(types.ErrCodeAuthSessionInvalid, "The session cookie is invalid. Please sign in again.", nil)
}
