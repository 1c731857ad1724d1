// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Analysis configures the LLM collaborators. An empty APIKey disables
	// analysis; the reconciler then always uses its conservative default.
	Analysis AnalysisConfig

	// Offers controls share-offer expiry.
	Offers OfferConfig

	RateLimit RateLimitConfig
	SSE       SSEConfig
	AuditLog  AuditLogConfig
}

// AnalysisConfig controls the Gemini-backed analysis collaborators.
type AnalysisConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OfferConfig controls how long an unanswered share offer stays open.
type OfferConfig struct {
	PendingTTL    time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig controls per-user request throttling on mutation routes.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls the event stream.
type SSEConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	QueueSize          int
	MaxRequestBodySize int64
}

// AuditLogConfig controls NDJSON reconciliation audit logging.
type AuditLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/mend.db"),
		Analysis: AnalysisConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			Model:   getEnv("ANALYSIS_MODEL", "gemini-2.0-flash"),
			Timeout: getEnvDuration("ANALYSIS_TIMEOUT", 30*time.Second),
		},
		Offers: OfferConfig{
			PendingTTL:    getEnvDuration("OFFER_PENDING_TTL", 168*time.Hour),
			SweepInterval: getEnvDuration("OFFER_SWEEP_INTERVAL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			QueueSize:          getEnvInt("SSE_QUEUE_SIZE", 100),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		AuditLog: AuditLogConfig{
			Enabled:   getEnvBool("AUDIT_LOG_ENABLED", true),
			Dir:       getEnv("AUDIT_LOG_DIR", "./data/logs/reconciliation"),
			QueueSize: getEnvInt("AUDIT_LOG_QUEUE_SIZE", 256),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be > 0")
	}
	if c.Offers.PendingTTL <= 0 {
		return fmt.Errorf("OFFER_PENDING_TTL must be > 0")
	}
	if c.Offers.SweepInterval <= 0 {
		return fmt.Errorf("OFFER_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.AuditLog.Enabled && c.AuditLog.Dir == "" {
		return fmt.Errorf("AUDIT_LOG_DIR cannot be empty when audit logging is enabled")
	}
	return nil
}

// AnalysisEnabled reports whether an LLM collaborator is configured.
func (c *Config) AnalysisEnabled() bool {
	return c.Analysis.APIKey != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
