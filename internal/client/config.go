package client

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the client configuration, loaded from a TOML file with
// flag overrides applied by the caller. Durations are expressed in
// milliseconds, matching the gateway's own conventions.
type Config struct {
	Gateway   GatewayConfig   `toml:"gateway"`
	Services  ServicesConfig  `toml:"services"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	AI        AIConfig        `toml:"ai"`
	// Language is sent as Accept-Language on history fetches.
	Language string `toml:"language"`
	// PageSize is the history page size.
	PageSize int `toml:"page_size"`
}

// GatewayConfig holds push channel settings.
type GatewayConfig struct {
	// URL of the push channel endpoint.
	URL string `toml:"url"`
	// Token is the session token. Usually supplied at runtime rather
	// than stored in the file.
	Token string `toml:"token"`
	// HandshakeTimeoutMs bounds the websocket dial.
	HandshakeTimeoutMs int `toml:"handshake_timeout_ms"`
}

// HandshakeTimeout returns the dial bound as a duration.
func (c GatewayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// ServicesConfig holds the REST endpoints.
type ServicesConfig struct {
	// HistoryURL is the message history service.
	HistoryURL string `toml:"history_url"`
	// MembershipURL is the clan membership service.
	MembershipURL string `toml:"membership_url"`
	// AIConfigURL is the AI configuration service. Empty means the
	// history service host.
	AIConfigURL string `toml:"ai_config_url"`
}

// ReconnectConfig mirrors ReconnectStrategy for the TOML file.
type ReconnectConfig struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialDelayMs int     `toml:"initial_delay_ms"`
	MaxDelayMs     int     `toml:"max_delay_ms"`
	BackoffFactor  float64 `toml:"backoff_factor"`
}

// Strategy converts the config into a ReconnectStrategy.
func (c ReconnectConfig) Strategy() *ReconnectStrategy {
	return &ReconnectStrategy{
		MaxRetries:    c.MaxRetries,
		InitialDelay:  time.Duration(c.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(c.MaxDelayMs) * time.Millisecond,
		BackoffFactor: c.BackoffFactor,
	}
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	defaults := DefaultReconnectStrategy()
	return &Config{
		Gateway: GatewayConfig{
			URL:                "ws://localhost:8080/ws",
			HandshakeTimeoutMs: int(defaultHandshakeTimeout / time.Millisecond),
		},
		Services: ServicesConfig{
			HistoryURL:    "http://localhost:8080",
			MembershipURL: "http://localhost:8080",
		},
		Reconnect: ReconnectConfig{
			MaxRetries:     defaults.MaxRetries,
			InitialDelayMs: int(defaults.InitialDelay / time.Millisecond),
			MaxDelayMs:     int(defaults.MaxDelay / time.Millisecond),
			BackoffFactor:  defaults.BackoffFactor,
		},
		AI:       AIConfig{}.withDefaults(),
		Language: "en",
		PageSize: 20,
	}
}

// LoadConfig overlays a TOML file onto the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if config.Services.AIConfigURL == "" {
		config.Services.AIConfigURL = config.Services.HistoryURL
	}
	return config, nil
}
