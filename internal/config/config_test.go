package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	// Set required env vars
	setEnv(t, "PROVIDER_API_KEY", "test-key")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://api.kie.ai", cfg.ProviderBaseURL)
	assert.Equal(t, int64(DefaultDailySpendCap), cfg.DailySpendCapCredits)
	assert.Equal(t, DefaultMaxOutputs, cfg.MaxOutputsPerRequest)
	assert.Equal(t, DefaultPollBackoffSequence, cfg.PollBackoffSequence)
}

func TestLoad_MissingProviderKey(t *testing.T) {
	setEnv(t, "PROVIDER_API_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_API_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		ProviderAPIKey:           "key",
		MaxOutputsPerRequest:     4,
		PerUserMaxConcurrentJobs: 2,
		DailySpendCapCredits:     500,
		PollBackoffSequence:      "1,2,3",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing provider key",
			mutate:  func(c *Config) { c.ProviderAPIKey = "" },
			wantErr: "PROVIDER_API_KEY is required",
		},
		{
			name:    "zero max outputs",
			mutate:  func(c *Config) { c.MaxOutputsPerRequest = 0 },
			wantErr: "MAX_OUTPUTS_PER_REQUEST",
		},
		{
			name:    "zero concurrent jobs",
			mutate:  func(c *Config) { c.PerUserMaxConcurrentJobs = 0 },
			wantErr: "PER_USER_MAX_CONCURRENT_JOBS",
		},
		{
			name:    "negative daily cap",
			mutate:  func(c *Config) { c.DailySpendCapCredits = -1 },
			wantErr: "DAILY_SPEND_CAP_CREDITS",
		},
		{
			name:    "bad backoff entry",
			mutate:  func(c *Config) { c.PollBackoffSequence = "1,x,3" },
			wantErr: "POLL_BACKOFF_SEQUENCE",
		},
		{
			name:    "empty backoff",
			mutate:  func(c *Config) { c.PollBackoffSequence = "" },
			wantErr: "POLL_BACKOFF_SEQUENCE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_PollBackoffs(t *testing.T) {
	cfg := Config{PollBackoffSequence: "1,2,5"}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 5 * time.Second,
	}, cfg.PollBackoffs())

	// A hand-built config with a bad sequence falls back to the default.
	bad := Config{PollBackoffSequence: "nope"}
	assert.NotEmpty(t, bad.PollBackoffs())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
