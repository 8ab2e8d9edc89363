// Package auth resolves bearer credentials to user identities. The chat
// core never issues tokens; it only consumes them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sousei-dev/sousei-system-backend/internal/storage"
)

// ErrUnauthenticated means the credential is missing, malformed, expired
// or revoked.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver maps a bearer token to a user id.
type Resolver interface {
	Resolve(ctx context.Context, token string) (userID string, err error)
}

// JWTResolver validates HS256 tokens and extracts the subject claim.
// If a session store is configured, revoked token ids (jti) are rejected.
type JWTResolver struct {
	secret   []byte
	sessions storage.SessionStore
}

func NewJWTResolver(secret string, sessions storage.SessionStore) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), sessions: sessions}
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", ErrUnauthenticated
	}
	if claims.Subject == "" {
		return "", ErrUnauthenticated
	}
	if r.sessions != nil && claims.ID != "" {
		revoked, err := r.sessions.IsRevoked(ctx, claims.ID)
		if err != nil {
			return "", fmt.Errorf("auth: revocation check: %w", err)
		}
		if revoked {
			return "", ErrUnauthenticated
		}
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID; used by -dev mode and tests.
// Production tokens come from the external auth service.
func IssueToken(secret, userID, tokenID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        tokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
