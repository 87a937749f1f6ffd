package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/angelmondragon/starsfund-backend/pkg/config"
)

func testConfig() config.OperatorConfig {
	return config.OperatorConfig{JWTSecret: "secret", JWTIssuer: "starsfund"}
}

func TestMintAndParseOperatorToken(t *testing.T) {
	cfg := testConfig()
	now := time.Now().UTC()

	token, err := MintOperatorToken(cfg, now, "ops@charity", 30*time.Minute)
	if err != nil {
		t.Fatalf("mint operator token: %v", err)
	}

	claims, err := ParseOperatorToken(cfg, token)
	if err != nil {
		t.Fatalf("parse operator token: %v", err)
	}
	if claims.Subject != "ops@charity" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Role != RoleOperator {
		t.Fatalf("unexpected role %q", claims.Role)
	}
	if claims.Issuer != cfg.JWTIssuer {
		t.Fatalf("expected issuer %s, got %s", cfg.JWTIssuer, claims.Issuer)
	}
	diff := claims.ExpiresAt.Sub(now.Add(30 * time.Minute))
	if diff < 0 {
		diff = -diff
	}
	if diff >= time.Second {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt.UTC())
	}
}

func TestParseOperatorTokenInvalidSignature(t *testing.T) {
	cfg := testConfig()
	token, err := MintOperatorToken(cfg, time.Now(), "ops", time.Minute)
	if err != nil {
		t.Fatalf("mint operator token: %v", err)
	}
	if _, err := ParseOperatorToken(cfg, token+"x"); err == nil {
		t.Fatal("expected invalid signature error")
	}
	other := cfg
	other.JWTSecret = "different"
	if _, err := ParseOperatorToken(other, token); err == nil {
		t.Fatal("expected signature mismatch error")
	}
}

func TestParseOperatorTokenExpired(t *testing.T) {
	cfg := testConfig()
	token, err := MintOperatorToken(cfg, time.Now().Add(-time.Hour), "ops", 15*time.Minute)
	if err != nil {
		t.Fatalf("mint operator token: %v", err)
	}
	_, err = ParseOperatorToken(cfg, token)
	if err == nil {
		t.Fatal("expected expiration error")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseOperatorTokenRejectsWrongIssuer(t *testing.T) {
	cfg := testConfig()
	token, err := MintOperatorToken(config.OperatorConfig{JWTSecret: cfg.JWTSecret, JWTIssuer: "elsewhere"}, time.Now(), "ops", time.Minute)
	if err != nil {
		t.Fatalf("mint operator token: %v", err)
	}
	if _, err := ParseOperatorToken(cfg, token); err == nil {
		t.Fatal("expected issuer mismatch error")
	}
}

func TestParseOperatorTokenRequiresOperatorRole(t *testing.T) {
	cfg := testConfig()
	claims := OperatorClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.JWTIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseOperatorToken(cfg, token); err == nil {
		t.Fatal("expected role error")
	}
}

func TestMintOperatorTokenValidatesInput(t *testing.T) {
	cfg := testConfig()
	if _, err := MintOperatorToken(cfg, time.Now(), "  ", time.Minute); err == nil {
		t.Fatal("expected subject error")
	}
	if _, err := MintOperatorToken(cfg, time.Now(), "ops", 0); err == nil {
		t.Fatal("expected ttl error")
	}
	if _, err := MintOperatorToken(config.OperatorConfig{JWTIssuer: "x"}, time.Now(), "ops", time.Minute); err == nil {
		t.Fatal("expected secret error")
	}
}
