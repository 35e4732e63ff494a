package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowAllAuthenticatorAcceptsWithoutToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	subject, err := AllowAllAuthenticator{}.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if subject != "" {
		t.Fatalf("expected empty subject, got %q", subject)
	}
}

func TestHMACWebsocketAuthenticatorAcceptsValidQueryToken(t *testing.T) {
	authr, err := NewHMACWebsocketAuthenticator("secret")
	if err != nil {
		t.Fatalf("NewHMACWebsocketAuthenticator: %v", err)
	}
	token := makeToken(t, "secret", "viewer-1", time.Now().Add(time.Minute))

	req := httptest.NewRequest("GET", "/ws?auth_token="+token, nil)
	subject, err := authr.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if subject != "viewer-1" {
		t.Fatalf("unexpected subject: %q", subject)
	}
}

func TestHMACWebsocketAuthenticatorRejectsMissingToken(t *testing.T) {
	authr, err := NewHMACWebsocketAuthenticator("secret")
	if err != nil {
		t.Fatalf("NewHMACWebsocketAuthenticator: %v", err)
	}
	req := httptest.NewRequest("GET", "/ws", nil)
	if _, err := authr.Authenticate(req); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestHMACWebsocketAuthenticatorRejectsInvalidToken(t *testing.T) {
	authr, err := NewHMACWebsocketAuthenticator("secret")
	if err != nil {
		t.Fatalf("NewHMACWebsocketAuthenticator: %v", err)
	}
	req := httptest.NewRequest("GET", "/ws?auth_token=garbage", nil)
	if _, err := authr.Authenticate(req); err == nil {
		t.Fatal("expected error for invalid token")
	}
}
