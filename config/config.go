// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the gateway process. Defaults match the
// reference deployment.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8090"`

	NatsURL  string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NatsUser string `envconfig:"NATS_USER" default:"gateway-service"`
	NatsPass string `envconfig:"NATS_PASS" default:"gateway-service-secret"`

	// JWKSURL points at the identity provider's key set used to verify
	// client tokens. Issuer is the expected `iss` claim.
	JWKSURL string `envconfig:"JWKS_URL" default:"http://localhost:8080/realms/nats-chat/protocol/openid-connect/certs"`
	Issuer  string `envconfig:"TOKEN_ISSUER" default:"http://localhost:8080/realms/nats-chat"`

	PresenceTTL  time.Duration `envconfig:"PRESENCE_TTL" default:"30s"`
	TypingExpiry time.Duration `envconfig:"TYPING_EXPIRY" default:"3s"`

	// Per-action rate limits, events per window.
	RateWindow        time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	SendLimit         int           `envconfig:"SEND_LIMIT" default:"30"`
	JoinLimit         int           `envconfig:"JOIN_LIMIT" default:"10"`
	TypingLimit       int           `envconfig:"TYPING_LIMIT" default:"60"`
	PresenceLimit     int           `envconfig:"PRESENCE_LIMIT" default:"20"`
	MaxContentLength  int           `envconfig:"MAX_CONTENT_LENGTH" default:"4096"`
	OutboundQueueSize int           `envconfig:"OUTBOUND_QUEUE_SIZE" default:"64"`

	// RelayEnabled switches between the NATS relay (multi-process) and the
	// in-process no-op relay.
	RelayEnabled bool `envconfig:"RELAY_ENABLED" default:"true"`

	// ReadTimeout bounds how long a socket may stay silent (heartbeats
	// included) before the connection is torn down.
	ReadTimeout time.Duration `envconfig:"READ_TIMEOUT" default:"60s"`

	HistoryLimit int `envconfig:"HISTORY_LIMIT" default:"25"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("gateway", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment: %w", err)
	}
	if cfg.OutboundQueueSize < 1 {
		return Config{}, fmt.Errorf("outbound queue size must be positive, got %d", cfg.OutboundQueueSize)
	}
	if cfg.PresenceTTL <= 0 || cfg.TypingExpiry <= 0 {
		return Config{}, fmt.Errorf("presence TTL and typing expiry must be positive")
	}
	return cfg, nil
}
