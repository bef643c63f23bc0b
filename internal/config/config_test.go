package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.JWTExpiry != DefaultJWTExpiry {
		t.Errorf("JWTExpiry = %v, want %v", cfg.JWTExpiry, DefaultJWTExpiry)
	}
	if !cfg.JWTSecretGenerated {
		t.Error("expected generated JWT secret when JWT_SECRET unset")
	}
	if cfg.JWTSecret == "" {
		t.Error("expected non-empty generated JWT secret")
	}
	if cfg.RateLimitWindow != DefaultRateLimitWindow {
		t.Errorf("RateLimitWindow = %v, want %v", cfg.RateLimitWindow, DefaultRateLimitWindow)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("JWT_EXPIRES_IN", "1h")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "30000")
	t.Setenv("LOG_DIR", "/var/log/acpgate")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.JWTSecret != "test-secret" {
		t.Errorf("JWTSecret = %q, want test-secret", cfg.JWTSecret)
	}
	if cfg.JWTSecretGenerated {
		t.Error("JWTSecretGenerated should be false when JWT_SECRET is set")
	}
	if cfg.JWTExpiry != time.Hour {
		t.Errorf("JWTExpiry = %v, want 1h", cfg.JWTExpiry)
	}
	if cfg.RateLimitMax != 5 {
		t.Errorf("RateLimitMax = %d, want 5", cfg.RateLimitMax)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %v, want 30s", cfg.RateLimitWindow)
	}
	if cfg.LogDir != "/var/log/acpgate" {
		t.Errorf("LogDir = %q, want /var/log/acpgate", cfg.LogDir)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9090", cfg.Addr())
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric port", "PORT", "abc"},
		{"port out of range", "PORT", "99999"},
		{"bad expiry", "JWT_EXPIRES_IN", "soon"},
		{"negative expiry", "JWT_EXPIRES_IN", "-1h"},
		{"zero rate limit", "RATE_LIMIT_MAX", "0"},
		{"bad window", "RATE_LIMIT_WINDOW_MS", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q expected error, got nil", tt.key, tt.value)
			}
		})
	}
}

func TestParseExpirySeconds(t *testing.T) {
	d, err := parseExpiry("3600")
	if err != nil {
		t.Fatalf("parseExpiry(3600) error = %v", err)
	}
	if d != time.Hour {
		t.Errorf("parseExpiry(3600) = %v, want 1h", d)
	}
}
