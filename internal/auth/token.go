package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer token payload issued by the identity provider.
type Claims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	Picture           string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	Subject   string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs claims with HS256. ttl <= 0 issues a token without expiry.
func IssueToken(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	now := time.Now()
	claims := Claims{
		PreferredUsername: id.Username,
		Name:              id.Name,
		Email:             id.Email,
		Picture:           id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.Subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an HS256 token and returns the caller it names.
func ParseToken(secret []byte, token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return claims.Identity(), nil
}

func (c Claims) Identity() Identity {
	id := Identity{
		Subject:   strings.TrimSpace(c.Subject),
		Name:      strings.TrimSpace(c.Name),
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		AvatarURL: strings.TrimSpace(c.Picture),
	}
	id.Username = DeriveUsername(c.PreferredUsername, id.Email, id.Subject)
	if id.Name == "" {
		id.Name = id.Username
	}
	return id
}

// DeriveUsername picks the preferred username, else the email local part, else the
// subject.
func DeriveUsername(preferred, email, subject string) string {
	if u := strings.TrimSpace(preferred); u != "" {
		return u
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(email), "@"); ok && local != "" {
		return local
	}
	return strings.TrimSpace(subject)
}

// DevIdentity is the caller assumed outside production when no token is sent.
func DevIdentity(username string) Identity {
	username = strings.TrimSpace(username)
	if username == "" {
		username = "dev"
	}
	return Identity{Subject: "dev:" + username, Username: username, Name: username}
}
