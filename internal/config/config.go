// Package config loads gateway configuration from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied when environment variables are unset.
const (
	DefaultPort            = 8080
	DefaultHost            = "0.0.0.0"
	DefaultLogLevel        = "info"
	DefaultJWTExpiry       = 24 * time.Hour
	DefaultRateLimitMax    = 10
	DefaultRateLimitWindow = 60 * time.Second
)

// Config holds all runtime configuration for the gateway process.
type Config struct {
	Host string
	Port int

	// JWTSecret signs access tokens. Generated randomly (and logged as a
	// warning by the caller) when JWT_SECRET is unset.
	JWTSecret          string
	JWTSecretGenerated bool
	JWTExpiry          time.Duration

	CORSOrigin string
	LogLevel   string

	// LogDir, when set, additionally mirrors log records to a dated file.
	LogDir string

	// Demo login credentials for the token endpoint.
	AuthUsername string
	AuthPassword string

	// Login rate limiting: RateLimitMax requests per RateLimitWindow.
	RateLimitMax    int
	RateLimitWindow time.Duration

	// AgentBin overrides agent binary discovery when set.
	AgentBin string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Host:            getEnv("HOST", DefaultHost),
		CORSOrigin:      os.Getenv("CORS_ORIGIN"),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogDir:          os.Getenv("LOG_DIR"),
		JWTExpiry:       DefaultJWTExpiry,
		RateLimitMax:    DefaultRateLimitMax,
		RateLimitWindow: DefaultRateLimitWindow,
		AuthUsername:    getEnv("AUTH_USERNAME", "demo"),
		AuthPassword:    getEnv("AUTH_PASSWORD", "demo"),
		AgentBin:        os.Getenv("AGENT_BIN"),
	}

	port, err := getEnvInt("PORT", DefaultPort)
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("PORT out of range: %d", port)
	}
	cfg.Port = port

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.JWTSecret = secret
		cfg.JWTSecretGenerated = true
	}

	if v := os.Getenv("JWT_EXPIRES_IN"); v != "" {
		d, err := parseExpiry(v)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_EXPIRES_IN %q: %w", v, err)
		}
		cfg.JWTExpiry = d
	}

	max, err := getEnvInt("RATE_LIMIT_MAX", DefaultRateLimitMax)
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX must be positive: %d", max)
	}
	cfg.RateLimitMax = max

	windowMs, err := getEnvInt("RATE_LIMIT_WINDOW_MS", int(DefaultRateLimitWindow/time.Millisecond))
	if err != nil {
		return nil, err
	}
	if windowMs < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW_MS must be positive: %d", windowMs)
	}
	cfg.RateLimitWindow = time.Duration(windowMs) * time.Millisecond

	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// parseExpiry accepts either a Go duration string ("24h") or a number of
// seconds ("86400"), matching what deployment environments typically set.
func parseExpiry(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
