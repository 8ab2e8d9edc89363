package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10000, cfg.MaxWSConnections)
	assert.Equal(t, 256, cfg.WSSendBufferSize)
	assert.Equal(t, 5, cfg.TypingTTLSeconds)
	assert.Equal(t, 3, cfg.OfflineGraceSeconds)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 20, cfg.DBMaxConnections())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("WS_PONG_TIMEOUT", "30")
	t.Setenv("TYPING_TTL_SECONDS", "8")
	t.Setenv("OFFLINE_GRACE_SECONDS", "10")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/chat")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg := Load()

	assert.Equal(t, ":9999", cfg.ServerAddr)
	assert.Equal(t, 30, cfg.WSPongTimeout)
	assert.Equal(t, 8, cfg.TypingTTLSeconds)
	assert.Equal(t, 10, cfg.OfflineGraceSeconds)
	assert.Equal(t, "postgres://u:p@db:5432/chat", cfg.DatabaseURL())
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestEnvIntFallbackOnGarbage(t *testing.T) {
	t.Setenv("DB_MAX_CONNECTIONS", "not-a-number")
	cfg := Load()
	assert.Equal(t, 20, cfg.DBMaxConnections())
}
