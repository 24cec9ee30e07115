// Package config centralizes environment-driven settings for both the
// relay server and the peer CLI, the same viper-backed "one struct,
// one Load()" shape the teacher's flag parsing plays in cmd/server,
// generalized from flags to env vars per SPEC_FULL §1.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Relay holds every setting the relay binary needs.
type Relay struct {
	Host           string        `mapstructure:"SERVER_HOST"`
	Port           int           `mapstructure:"SERVER_PORT"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	PersistDir     string        `mapstructure:"PERSIST_DIR"`
	ShutdownGrace  time.Duration `mapstructure:"SHUTDOWN_GRACE"`
}

// LoadRelay reads SERVER_HOST/SERVER_PORT/REDIS_URL/DATABASE_URL/
// JWT_SECRET/AUTH_ISSUER/PERSIST_DIR/SHUTDOWN_GRACE from the
// environment (optionally overlaid by a config file, if present),
// applying the defaults set below. JWT_SECRET has no default and is
// required.
func LoadRelay() (Relay, error) {
	v := newViper()

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("AUTH_ISSUER", "roomrelay")
	v.SetDefault("PERSIST_DIR", "./data/rooms")
	v.SetDefault("SHUTDOWN_GRACE", 10*time.Second)

	var cfg Relay
	if err := v.Unmarshal(&cfg); err != nil {
		return Relay{}, fmt.Errorf("unmarshal relay config: %w", err)
	}
	cfg.JWTSecret = v.GetString("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Relay{}, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

// Peer holds every setting the peer CLI needs to dial a relay.
type Peer struct {
	RelayURL string `mapstructure:"RELAY_URL"`
	Username string `mapstructure:"PEER_USERNAME"`
	RoomID   string `mapstructure:"ROOM_ID"`
	Token    string `mapstructure:"AUTH_TOKEN"`
}

// LoadPeer reads RELAY_URL/PEER_USERNAME/ROOM_ID/AUTH_TOKEN.
func LoadPeer() (Peer, error) {
	v := newViper()
	v.SetDefault("RELAY_URL", "ws://localhost:8080")
	// Unmarshal only sees keys viper already knows about; AutomaticEnv
	// alone does not register keys that have no default.
	for _, key := range []string{"PEER_USERNAME", "ROOM_ID", "AUTH_TOKEN"} {
		if err := v.BindEnv(key); err != nil {
			return Peer{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Peer
	if err := v.Unmarshal(&cfg); err != nil {
		return Peer{}, fmt.Errorf("unmarshal peer config: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("roomrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/roomrelay")
	v.AutomaticEnv()
	_ = v.ReadInConfig() // config file is optional; env vars always apply
	return v
}
