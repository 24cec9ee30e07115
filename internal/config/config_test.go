package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := LoadRelay()
	assert.Error(t, err)
}

func TestLoadRelayAppliesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "super-secret")

	cfg, err := LoadRelay()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "roomrelay", cfg.AuthIssuer)
	assert.Equal(t, "./data/rooms", cfg.PersistDir)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "super-secret", cfg.JWTSecret)
}

func TestLoadRelayEnvOverridesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "super-secret")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("AUTH_ISSUER", "custom-issuer")

	cfg, err := LoadRelay()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "custom-issuer", cfg.AuthIssuer)
}

func TestLoadPeerDefaultsRelayURL(t *testing.T) {
	cfg, err := LoadPeer()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080", cfg.RelayURL)
}

func TestLoadPeerReadsEnv(t *testing.T) {
	t.Setenv("PEER_USERNAME", "alice")
	t.Setenv("ROOM_ID", "design-review")

	cfg, err := LoadPeer()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "design-review", cfg.RoomID)
}
