package auth

import (
	"strings"
	"testing"
	"time"
)

func newTestManager(clock func() time.Time) *TokenManager {
	return NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("unit-test-secret"),
		Issuer:        "quill-gateway",
		Audience:      "quill-api",
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateToken(t *testing.T) {
	manager := newTestManager(nil)

	token, expiresIn, err := manager.IssueToken("user-123")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a signed token")
	}
	if expiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	subject, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if subject != "user-123" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	manager := newTestManager(nil)

	if _, _, err := manager.IssueToken(""); err == nil {
		t.Fatalf("expected rejection of empty subject")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	manager := newTestManager(nil)
	token, _, err := manager.IssueToken("user-123")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	other := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("a-different-secret"),
		Issuer:        "quill-gateway",
		Audience:      "quill-api",
	})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	foreign := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("unit-test-secret"),
		Issuer:        "quill-gateway",
		Audience:      "some-other-service",
	})
	token, _, err := foreign.IssueToken("user-123")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	manager := newTestManager(nil)
	if _, err := manager.ValidateToken(token); err == nil {
		t.Fatalf("expected audience mismatch")
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	manager := newTestManager(func() time.Time { return issuedAt })
	token, _, err := manager.IssueToken("user-123")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	later := newTestManager(func() time.Time { return issuedAt.Add(16 * time.Minute) })
	if _, err := later.ValidateToken(token); err == nil {
		t.Fatalf("expected expiry failure")
	} else if !strings.Contains(strings.ToLower(err.Error()), "expired") {
		t.Fatalf("expected expiry cause, got %v", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	manager := newTestManager(nil)
	if _, err := manager.ValidateToken("not.a.token"); err == nil {
		t.Fatalf("expected parse failure")
	}
}
