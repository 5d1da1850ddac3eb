package auth

import (
	"testing"
	"time"

	"dispatchdesk/internal/config"
)

func TestIssueAndVerifyDashboardToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:         "secret",
		JWTIssuer:         "issuer",
		JWTAudience:       "aud",
		DashboardTokenTTL: 12 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.IssueDashboardToken(now, "user-1", "acct-1", "staff")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok == "" {
		t.Fatalf("expected token string")
	}

	claims, err := m.Verify(tok, TokenTypeDashboard, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.AccountID != "acct-1" || claims.Role != "staff" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", DashboardTokenTTL: time.Minute})
	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.IssueDashboardToken(now, "u", "a", "r")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, TokenTypeDashboard, now.Add(2*time.Hour)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestVerifyRejectsTamperedSecret(t *testing.T) {
	m1, _ := NewManager(config.AuthConfig{JWTSecret: "secret-a", DashboardTokenTTL: time.Hour})
	m2, _ := NewManager(config.AuthConfig{JWTSecret: "secret-b", DashboardTokenTTL: time.Hour})
	now := time.Unix(1700000000, 0).UTC()
	tok, _ := m1.IssueDashboardToken(now, "u", "a", "r")
	if _, err := m2.Verify(tok, TokenTypeDashboard, now); err == nil {
		t.Fatalf("expected signature error")
	}
}
