package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueThenValidateRoundTrips(t *testing.T) {
	cfg := Config{Secret: []byte("a-test-secret-at-least-16-bytes"), Issuer: "controlplane"}

	token, err := Issue(Claims{UserID: "user-1", Scopes: []string{"runs:write"}}, cfg)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Validate(token, cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", claims.UserID)
	}
	if !claims.HasScope("runs:write") {
		t.Fatal("expected runs:write scope")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	cfg := Config{Secret: []byte("a-test-secret-at-least-16-bytes")}

	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := Issue(claims, cfg)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Validate(token, cfg); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	signCfg := Config{Secret: []byte("a-test-secret-at-least-16-bytes"), Issuer: "someone-else"}
	checkCfg := Config{Secret: []byte("a-test-secret-at-least-16-bytes"), Issuer: "controlplane"}

	token, err := Issue(Claims{UserID: "user-1"}, signCfg)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Validate(token, checkCfg); err == nil {
		t.Fatal("expected issuer mismatch to be rejected")
	}
}

func TestValidateRejectsMissingUserID(t *testing.T) {
	cfg := Config{Secret: []byte("a-test-secret-at-least-16-bytes")}
	token, err := Issue(Claims{}, cfg)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Validate(token, cfg); err == nil {
		t.Fatal("expected missing user_id to be rejected")
	}
}
