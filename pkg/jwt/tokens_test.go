package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("user-1", "admin", "secret", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := Parse(token, "secret", KindAccess)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "admin" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken("user-1", "user", "secret", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := Parse(token, "other", KindAccess); err == nil {
		t.Fatalf("expected signature error")
	}
	expired, err := GenerateToken("user-1", "user", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := Parse(expired, "secret", KindAccess); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestKindsAreNotInterchangeable(t *testing.T) {
	refresh, err := GenerateRefreshToken("user-1", "user", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	if _, err := Parse(refresh, "secret", KindAccess); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
	if _, err := Parse(refresh, "secret", KindRefresh); err != nil {
		t.Fatalf("refresh token rejected: %v", err)
	}
}
