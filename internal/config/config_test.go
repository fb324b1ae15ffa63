package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prodConfig() *Config {
	return &Config{
		Mode:         "prod",
		DatabaseURL:  "postgres://localhost/button",
		KafkaBrokers: []string{"localhost:9092"},
		RedisAddr:    "localhost:6379",
		PowSecret:    "secret",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Mode)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 4, cfg.PowDifficulty)
	assert.Equal(t, 30*time.Second, cfg.SweeperInterval)
	assert.Equal(t, 100, cfg.ReducerMaxBatch)
	assert.Equal(t, 3, cfg.BackoffMaxAttempts)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("POW_DIFFICULTY", "5")
	t.Setenv("SWEEPER_INTERVAL_SECONDS", "10")
	t.Setenv("RATE_LIMIT_BYPASS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.PowDifficulty)
	assert.Equal(t, 10*time.Second, cfg.SweeperInterval)
	assert.True(t, cfg.RateLimitBypass)
}

func TestValidateDevAllowsMissingDeps(t *testing.T) {
	cfg := &Config{Mode: "dev"}
	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.IsProd())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := &Config{Mode: "staging"}
	assert.Error(t, cfg.Validate())
}

func TestValidateProdRequiresDependencies(t *testing.T) {
	require.NoError(t, prodConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database", func(c *Config) { c.DatabaseURL = "" }},
		{"missing brokers", func(c *Config) { c.KafkaBrokers = nil }},
		{"missing redis", func(c *Config) { c.RedisAddr = "" }},
		{"missing pow secret", func(c *Config) { c.PowSecret = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := prodConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateProdRejectsBypasses(t *testing.T) {
	cfg := prodConfig()
	cfg.PowBypass = true
	assert.Error(t, cfg.Validate())

	cfg = prodConfig()
	cfg.RateLimitBypass = true
	assert.Error(t, cfg.Validate())
}
