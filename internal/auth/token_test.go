package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Identity{
		Subject:   "user-1",
		Username:  "alice",
		Name:      "Alice Avery",
		Email:     "alice@example.org",
		AvatarURL: "https://example.org/alice.png",
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	id, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if id.Subject != "user-1" || id.Username != "alice" || id.Name != "Alice Avery" || id.AvatarURL == "" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	issued, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsWrongSecretAndAlgorithm(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Identity{Subject: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := ParseToken([]byte("secret"), none); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}
}

func TestParseTokenRequiresSubject(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Identity{Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("secret"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken without subject, got %v", err)
	}
}

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		preferred, email, subject, want string
	}{
		{"alice", "a@example.org", "sub", "alice"},
		{"", "bob@example.org", "sub", "bob"},
		{"", "", "sub-3", "sub-3"},
		{"  ", "not-an-email", "sub-4", "sub-4"},
	}
	for _, tt := range tests {
		if got := DeriveUsername(tt.preferred, tt.email, tt.subject); got != tt.want {
			t.Fatalf("DeriveUsername(%q, %q, %q) = %q, want %q", tt.preferred, tt.email, tt.subject, got, tt.want)
		}
	}
}

func TestClaimsIdentityFillsName(t *testing.T) {
	id := Claims{Email: " Carol@Example.org ", RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-c"}}.Identity()
	if id.Username != "carol" || id.Name != "carol" || id.Email != "carol@example.org" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}
