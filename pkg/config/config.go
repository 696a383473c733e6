// Package config loads chatline settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	// DefaultReconnectDelay is the fixed wait between reconnect attempts.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultMaxReconnectAttempts caps automatic reconnects after a failure.
	DefaultMaxReconnectAttempts = 5
)

// Config holds the application configuration
type Config struct {
	// Chat backend endpoints
	ServerURL string // WebSocket endpoint, ws:// or wss://
	APIURL    string // REST base URL, http:// or https://

	// Credentials. Token bootstraps the store; Email/Password allow a login.
	Token    string
	Email    string
	Password string

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Reconnection settings (linear backoff)
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Token persistence
	SecretKeyBase string
	TokenDBPath   string
	DBTimeout     time.Duration

	// Health check server
	HealthCheckPort int // 0 = disabled
}

// LoadFromEnv loads configuration from environment variables.
// Everything except the credentials, the reconnect policy and the health
// port must be set explicitly.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Token:    os.Getenv("CHATLINE_TOKEN"),
		Email:    os.Getenv("CHATLINE_EMAIL"),
		Password: os.Getenv("CHATLINE_PASSWORD"),
	}

	var err error

	cfg.ServerURL, err = requireURL("CHATLINE_SERVER_URL", "ws", "wss")
	if err != nil {
		return nil, err
	}

	cfg.APIURL, err = requireURL("CHATLINE_API_URL", "http", "https")
	if err != nil {
		return nil, err
	}

	if (cfg.Email == "") != (cfg.Password == "") {
		return nil, fmt.Errorf("CHATLINE_EMAIL and CHATLINE_PASSWORD must be set together")
	}

	if cfg.ConnectTimeout, err = requireDuration("CONNECT_TIMEOUT"); err != nil {
		return nil, err
	}

	if cfg.RequestTimeout, err = requireDuration("REQUEST_TIMEOUT"); err != nil {
		return nil, err
	}

	cfg.ReconnectDelay = DefaultReconnectDelay
	if delayStr := os.Getenv("RECONNECT_DELAY"); delayStr != "" {
		delay, err := time.ParseDuration(delayStr)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONNECT_DELAY: %w", err)
		}
		if delay <= 0 {
			return nil, fmt.Errorf("RECONNECT_DELAY must be positive")
		}
		cfg.ReconnectDelay = delay
	}

	cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	if attemptsStr := os.Getenv("MAX_RECONNECT_ATTEMPTS"); attemptsStr != "" {
		attempts, err := strconv.Atoi(attemptsStr)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		if attempts < 0 {
			return nil, fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
		}
		cfg.MaxReconnectAttempts = attempts
	}

	cfg.SecretKeyBase = os.Getenv("SECRET_KEY_BASE")
	if cfg.SecretKeyBase == "" {
		return nil, fmt.Errorf("SECRET_KEY_BASE environment variable is required for token encryption")
	}

	cfg.TokenDBPath = os.Getenv("TOKEN_DB_PATH")
	if cfg.TokenDBPath == "" {
		return nil, fmt.Errorf("TOKEN_DB_PATH environment variable is required")
	}

	if cfg.DBTimeout, err = requireDuration("DB_TIMEOUT"); err != nil {
		return nil, err
	}

	if healthPortStr := os.Getenv("HEALTH_CHECK_PORT"); healthPortStr != "" {
		healthPort, err := strconv.Atoi(healthPortStr)
		if err != nil {
			return nil, fmt.Errorf("invalid HEALTH_CHECK_PORT: %w", err)
		}
		if healthPort < 0 || healthPort > 65535 {
			return nil, fmt.Errorf("HEALTH_CHECK_PORT must be between 0 and 65535")
		}
		cfg.HealthCheckPort = healthPort
	}

	return cfg, nil
}

// HasCredentials reports whether a login can be attempted.
func (c *Config) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

func requireDuration(name string) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return 0, fmt.Errorf("%s environment variable is required", name)
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}

	return d, nil
}

func requireURL(name string, schemes ...string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%s environment variable is required", name)
	}

	u, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%s must include a host, got: %s", name, value)
	}

	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return value, nil
		}
	}

	return "", fmt.Errorf("%s must use one of %v, got: %s", name, schemes, u.Scheme)
}
