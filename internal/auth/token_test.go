package auth

import (
	"testing"
	"time"

	"github.com/HerbHall/warden/internal/session"
	"github.com/HerbHall/warden/pkg/models"
)

const testSecret = "test-secret-key-32bytes-long!!!!"

func newTestTokenService(t *testing.T, now func() time.Time) *TokenService {
	t.Helper()
	ts, err := NewTokenService([]byte(testSecret), "warden", now)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

func newTestSession(now time.Time) *session.Session {
	return &session.Session{
		ID:         "sess-123",
		IdentityID: "user-123",
		Username:   "alice",
		Role:       models.RoleAdmin,
		State:      session.StateAuthenticated,
		CreatedAt:  now,
		ExpiresAt:  now.Add(15 * time.Minute),
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	now := time.Now()
	ts := newTestTokenService(t, nil)
	sess := newTestSession(now)

	token, err := ts.IssueToken(sess)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	claims, err := ts.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.SessionID != sess.ID {
		t.Errorf("SessionID = %q, want %q", claims.SessionID, sess.ID)
	}
	if claims.IdentityID != sess.IdentityID {
		t.Errorf("IdentityID = %q, want %q", claims.IdentityID, sess.IdentityID)
	}
	if claims.Role != string(sess.Role) {
		t.Errorf("Role = %q, want %q", claims.Role, sess.Role)
	}
	if claims.Issuer != "warden" {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, "warden")
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	ts1, _ := NewTokenService([]byte("secret-one-is-32-bytes-long!!!!!"), "warden", nil)
	ts2, _ := NewTokenService([]byte("secret-two-is-32-bytes-long!!!!!"), "warden", nil)

	token, err := ts1.IssueToken(newTestSession(time.Now()))
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ts2.ValidateToken(token); err == nil {
		t.Error("expected error validating token with wrong secret")
	}
}

func TestValidateToken_ExpiresWithSession(t *testing.T) {
	start := time.Now()
	current := start
	ts := newTestTokenService(t, func() time.Time { return current })

	token, err := ts.IssueToken(newTestSession(start))
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	current = start.Add(16 * time.Minute)
	if _, err := ts.ValidateToken(token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	other, _ := NewTokenService([]byte(testSecret), "someone-else", nil)
	token, err := other.IssueToken(newTestSession(time.Now()))
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := newTestTokenService(t, nil).ValidateToken(token); err == nil {
		t.Error("expected token from another issuer to be rejected")
	}
}

func TestNewTokenService_ShortSecret(t *testing.T) {
	if _, err := NewTokenService([]byte("short"), "warden", nil); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestHashToken(t *testing.T) {
	h1 := HashToken("abc")
	h2 := HashToken("abc")
	if h1 != h2 {
		t.Error("same input should produce same hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
	if HashToken("abd") == h1 {
		t.Error("different input should produce different hash")
	}
}
