// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional balance cache

	// Generation provider
	ProviderBaseURL string
	ProviderAPIKey  string

	// Payments
	StripeWebhookSecret string

	// Credits policy
	SignupBonusCredits   int64
	DailySpendCapCredits int64

	// Job policy
	MaxOutputsPerRequest     int
	PerUserMaxConcurrentJobs int
	PerUserCooldownSeconds   int
	PollBackoffSequence      string // comma-separated seconds, e.g. "1,2,3,5,8,13,20"
	PollMaxWaitSeconds       int
	MaxPollAttempts          int
	SweepIntervalSeconds     int
	SweepGraceSeconds        int

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string // Optional OTLP gRPC endpoint
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultSignupBonus         = 10
	DefaultDailySpendCap       = 500
	DefaultMaxOutputs          = 4
	DefaultMaxConcurrentJobs   = 2
	DefaultCooldownSeconds     = 5
	DefaultPollBackoffSequence = "1,2,3,5,8,13,20"
	DefaultPollMaxWaitSeconds  = 180
	DefaultMaxPollAttempts     = 40
	DefaultSweepInterval       = 30
	DefaultSweepGrace          = 60
	DefaultRateLimitRPM        = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:              os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:                 os.Getenv("REDIS_URL"),
		ProviderBaseURL:          getEnv("PROVIDER_BASE_URL", "https://api.kie.ai"),
		ProviderAPIKey:           os.Getenv("PROVIDER_API_KEY"), // Required, no default
		StripeWebhookSecret:      os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SignupBonusCredits:       getEnvInt64("SIGNUP_BONUS_CREDITS", DefaultSignupBonus),
		DailySpendCapCredits:     getEnvInt64("DAILY_SPEND_CAP_CREDITS", DefaultDailySpendCap),
		MaxOutputsPerRequest:     getEnvInt("MAX_OUTPUTS_PER_REQUEST", DefaultMaxOutputs),
		PerUserMaxConcurrentJobs: getEnvInt("PER_USER_MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
		PerUserCooldownSeconds:   getEnvInt("PER_USER_COOLDOWN_SECONDS", DefaultCooldownSeconds),
		PollBackoffSequence:      getEnv("POLL_BACKOFF_SEQUENCE", DefaultPollBackoffSequence),
		PollMaxWaitSeconds:       getEnvInt("POLL_MAX_WAIT_SECONDS", DefaultPollMaxWaitSeconds),
		MaxPollAttempts:          getEnvInt("MAX_POLL_ATTEMPTS", DefaultMaxPollAttempts),
		SweepIntervalSeconds:     getEnvInt("SWEEP_INTERVAL_SECONDS", DefaultSweepInterval),
		SweepGraceSeconds:        getEnvInt("SWEEP_GRACE_SECONDS", DefaultSweepGrace),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:             getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		OTLPEndpoint:             os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required")
	}
	if c.MaxOutputsPerRequest < 1 {
		return fmt.Errorf("MAX_OUTPUTS_PER_REQUEST must be at least 1")
	}
	if c.PerUserMaxConcurrentJobs < 1 {
		return fmt.Errorf("PER_USER_MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.DailySpendCapCredits < 0 {
		return fmt.Errorf("DAILY_SPEND_CAP_CREDITS must not be negative")
	}
	if _, err := parseBackoff(c.PollBackoffSequence); err != nil {
		return fmt.Errorf("POLL_BACKOFF_SEQUENCE: %w", err)
	}
	return nil
}

// PollBackoffs returns the poll backoff sequence as durations.
func (c *Config) PollBackoffs() []time.Duration {
	backoffs, err := parseBackoff(c.PollBackoffSequence)
	if err != nil {
		// Validate rejects bad sequences, so this only triggers for a
		// hand-built Config.
		backoffs, _ = parseBackoff(DefaultPollBackoffSequence)
	}
	return backoffs
}

func parseBackoff(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 || s == "" {
		return nil, fmt.Errorf("sequence is empty")
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		secs, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid entry %q", p)
		}
		out = append(out, time.Duration(secs)*time.Second)
	}
	return out, nil
}

// Cooldown returns the per-user submit cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.PerUserCooldownSeconds) * time.Second
}

// PollMaxWait returns the maximum total wait for a submitted job.
func (c *Config) PollMaxWait() time.Duration {
	return time.Duration(c.PollMaxWaitSeconds) * time.Second
}

// SweepInterval returns the sweeper pass interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SweepGrace returns how old a non-terminal job must be before the sweeper
// considers it abandoned.
func (c *Config) SweepGrace() time.Duration {
	return time.Duration(c.SweepGraceSeconds) * time.Second
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}
