package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	RedisURL string

	// Query behavior
	RetentionWindow time.Duration // how far back the query engine will look
	PageSizeDefault int

	// WebSocket behavior
	WSRateLimit   int           // inbound commands per second per connection
	WSIdleTimeout time.Duration // close connections silent for this long

	// Export pipeline
	ExportDir              string
	ExportQueueConcurrency int

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),
		RetentionWindow:        getDuration("RETENTION_WINDOW", 168*time.Hour),
		PageSizeDefault:        getInt("PAGE_SIZE_DEFAULT", 100),
		WSRateLimit:            getInt("WS_RATE_LIMIT", 100),
		WSIdleTimeout:          getDuration("WS_IDLE_TIMEOUT", 5*time.Minute),
		ExportDir:              getEnv("EXPORT_DIR", os.TempDir()),
		ExportQueueConcurrency: getInt("EXPORT_QUEUE_CONCURRENCY", 2),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require an explicit redis URL
	if cfg.Env == "production" {
		if os.Getenv("REDIS_URL") == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
