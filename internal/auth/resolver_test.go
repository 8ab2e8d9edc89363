package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sousei-dev/sousei-system-backend/internal/storage/memory"
)

func TestJWTResolverResolve(t *testing.T) {
	const secret = "test-secret"
	r := NewJWTResolver(secret, nil)

	t.Run("valid token resolves to subject", func(t *testing.T) {
		token, err := IssueToken(secret, "user-1", "jti-1", time.Minute)
		require.NoError(t, err)

		userID, err := r.Resolve(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", userID)
	})

	t.Run("empty token rejected", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), "")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), "not.a.jwt")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		token, err := IssueToken("other-secret", "user-1", "jti-1", time.Minute)
		require.NoError(t, err)

		_, err = r.Resolve(context.Background(), token)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token, err := IssueToken(secret, "user-1", "jti-1", -time.Minute)
		require.NoError(t, err)

		_, err = r.Resolve(context.Background(), token)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("missing subject rejected", func(t *testing.T) {
		token, err := IssueToken(secret, "", "jti-1", time.Minute)
		require.NoError(t, err)

		_, err = r.Resolve(context.Background(), token)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestJWTResolverRevocation(t *testing.T) {
	const secret = "test-secret"
	sessions := memory.NewSessionClient()
	r := NewJWTResolver(secret, sessions)

	token, err := IssueToken(secret, "user-1", "jti-1", time.Hour)
	require.NoError(t, err)

	userID, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	require.NoError(t, sessions.Revoke(context.Background(), "jti-1", time.Hour))

	_, err = r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthenticated, "revoked token no longer resolves")
}
