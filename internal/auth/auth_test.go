package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("EXECBRIEF_AUTH_SECRET", value)
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken(42, []string{"Executive", "executive", " "}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate failed: %v", err)
	}
	if claims.Subject != "42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "executive" {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
}

func TestGenerateRequiresUserAndTTL(t *testing.T) {
	withSecret(t, "test-secret")
	if _, err := GenerateToken(0, nil, time.Minute); err == nil {
		t.Fatal("expected error for zero user id")
	}
	if _, err := GenerateToken(42, nil, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	withSecret(t, "test-secret")
	token, err := GenerateToken(42, nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	withSecret(t, "first-secret")
	token, err := GenerateToken(42, nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	withSecret(t, "second-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	withSecret(t, "")
	if _, err := GenerateToken(42, nil, time.Minute); err == nil {
		t.Fatal("expected error without a secret")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "42", []string{"Executive"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "42" {
		t.Fatalf("unexpected user id: %q %v", id, ok)
	}
	if !HasRole(ctx, "executive") {
		t.Fatal("role lookup should be case-insensitive")
	}
	if HasRole(ctx, "admin") {
		t.Fatal("unexpected role")
	}
}
