package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTVerifier_AcceptsValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier("secret-1")
	if err != nil {
		t.Fatalf("NewJWTVerifier error: %v", err)
	}
	raw := signTestToken(t, "secret-1", jwt.MapClaims{
		"sub":  "svc-billing",
		"role": "service",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	claims, err := verifier.Verify(raw)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if claims.Subject != "svc-billing" || claims.Role != "service" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJWTVerifier_RejectsWrongSecret(t *testing.T) {
	verifier, err := NewJWTVerifier("secret-1")
	if err != nil {
		t.Fatalf("NewJWTVerifier error: %v", err)
	}
	raw := signTestToken(t, "secret-2", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := verifier.Verify(raw); err == nil {
		t.Fatal("expected verification to fail for a token signed with another secret")
	}
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	verifier, err := NewJWTVerifier("secret-1")
	if err != nil {
		t.Fatalf("NewJWTVerifier error: %v", err)
	}
	raw := signTestToken(t, "secret-1", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := verifier.Verify(raw); err == nil {
		t.Fatal("expected verification to fail for an expired token")
	}
}

func TestJWTVerifier_RejectsUnsignedToken(t *testing.T) {
	verifier, err := NewJWTVerifier("secret-1")
	if err != nil {
		t.Fatalf("NewJWTVerifier error: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := verifier.Verify(raw); err == nil {
		t.Fatal("expected verification to fail for alg=none")
	}
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier(""); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
}
