package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrMissingToken indicates an upgrade request carried no auth token.
var ErrMissingToken = errors.New("missing auth token")

// WebsocketAuthenticator validates an inbound HTTP upgrade request and
// returns a stable client identity. Satisfies internal/transport.Authenticator.
type WebsocketAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAllAuthenticator accepts every upgrade request without a token.
type AllowAllAuthenticator struct{}

// Authenticate implements WebsocketAuthenticator.
func (AllowAllAuthenticator) Authenticate(*http.Request) (string, error) {
	return "", nil
}

type hmacWebsocketAuthenticator struct {
	verifier *HMACTokenVerifier
}

// NewHMACWebsocketAuthenticator builds an authenticator requiring a valid
// HMAC token on every upgrade.
func NewHMACWebsocketAuthenticator(secret string) (WebsocketAuthenticator, error) {
	verifier, err := NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and returns the logical client identifier.
func (a *hmacWebsocketAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
