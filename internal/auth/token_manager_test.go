package auth

import (
	"testing"
	"time"
)

func newTestTokenManager(t *testing.T, clock func() time.Time) *TokenManager {
	t.Helper()
	manager, err := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "docrelay-auth",
		Audience:      "docrelay-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build token manager: %v", err)
	}
	return manager
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager(TokenManagerConfig{}); err != ErrMissingSigningSecret {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	manager := newTestTokenManager(t, nil)

	token, expiresIn, err := manager.IssueToken("client-a")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	subject, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if subject != "client-a" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	manager := newTestTokenManager(t, nil)

	if _, _, err := manager.IssueToken(""); err != ErrMissingSubject {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := newTestTokenManager(t, nil)
	token, _, err := issuer.IssueToken("client-a")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	other, err := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "docrelay-auth",
		Audience:      "docrelay-api",
	})
	if err != nil {
		t.Fatalf("failed to build token manager: %v", err)
	}
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatal("expected validation to fail for a foreign signature")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuedAt := time.Now().Add(-48 * time.Hour)
	issuer := newTestTokenManager(t, func() time.Time { return issuedAt })
	token, _, err := issuer.IssueToken("client-a")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	validator := newTestTokenManager(t, nil)
	if _, err := validator.ValidateToken(token); err == nil {
		t.Fatal("expected validation to fail for an expired token")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	issuer, err := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "docrelay-auth",
		Audience:      "someone-else",
	})
	if err != nil {
		t.Fatalf("failed to build token manager: %v", err)
	}
	token, _, err := issuer.IssueToken("client-a")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	validator := newTestTokenManager(t, nil)
	if _, err := validator.ValidateToken(token); err == nil {
		t.Fatal("expected validation to fail for a mismatched audience")
	}
}
