package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.RetentionWindow != 168*time.Hour {
		t.Errorf("expected 7d retention, got %s", cfg.RetentionWindow)
	}
	if cfg.WSRateLimit != 100 {
		t.Errorf("expected ws rate limit 100, got %d", cfg.WSRateLimit)
	}
	if cfg.PageSizeDefault != 100 {
		t.Errorf("expected page size 100, got %d", cfg.PageSizeDefault)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RETENTION_WINDOW", "24h")
	t.Setenv("WS_RATE_LIMIT", "10")
	t.Setenv("WS_IDLE_TIMEOUT", "30s")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.1, 192.168.0.0/16")

	cfg := Load()

	if cfg.RetentionWindow != 24*time.Hour {
		t.Errorf("expected 24h retention, got %s", cfg.RetentionWindow)
	}
	if cfg.WSRateLimit != 10 {
		t.Errorf("expected ws rate limit 10, got %d", cfg.WSRateLimit)
	}
	if cfg.WSIdleTimeout != 30*time.Second {
		t.Errorf("expected 30s idle timeout, got %s", cfg.WSIdleTimeout)
	}
	if len(cfg.RateLimitWhitelist) != 2 || cfg.RateLimitWhitelist[1] != "192.168.0.0/16" {
		t.Errorf("unexpected whitelist %v", cfg.RateLimitWhitelist)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("WS_RATE_LIMIT", "not-a-number")
	t.Setenv("RETENTION_WINDOW", "-5h")

	cfg := Load()

	if cfg.WSRateLimit != 100 {
		t.Errorf("expected fallback rate limit 100, got %d", cfg.WSRateLimit)
	}
	if cfg.RetentionWindow != 168*time.Hour {
		t.Errorf("expected fallback retention, got %s", cfg.RetentionWindow)
	}
}
