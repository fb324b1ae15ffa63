// Package config loads the environment-scoped configuration shared by
// all services. Values come from the environment (a .env file is loaded
// when present), with an optional YAML file overlay for deployments
// that prefer files over env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

// Config is the full service configuration.
type Config struct {
	Mode string `yaml:"mode"` // dev | prod
	Port string `yaml:"port"`

	DatabaseURL string `yaml:"database_url"`

	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaClientID string   `yaml:"kafka_client_id"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	PowSecret     string `yaml:"pow_secret"`
	PowDifficulty int    `yaml:"pow_difficulty"`
	PowBypass     bool   `yaml:"pow_bypass"`

	RateLimitBypass bool `yaml:"rate_limit_bypass"`

	SweeperInterval time.Duration `yaml:"sweeper_interval"`

	ReducerMaxBatch    int           `yaml:"reducer_max_batch"`
	ReducerPollTimeout time.Duration `yaml:"reducer_poll_timeout"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	BackoffMaxAttempts int           `yaml:"backoff_max_attempts"`
}

// Load reads configuration: defaults, then the optional YAML file named
// by CONFIG_FILE, then environment variables (which win).
func Load() (*Config, error) {
	// Best-effort; services run fine without a .env file.
	_ = godotenv.Load()

	cfg := &Config{
		Mode:               "dev",
		Port:               "8080",
		KafkaClientID:      "button-api",
		RedisAddr:          "localhost:6379",
		PowDifficulty:      4,
		SweeperInterval:    30 * time.Second,
		ReducerMaxBatch:    100,
		ReducerPollTimeout: time.Second,
		BackoffBase:        time.Second,
		BackoffCap:         30 * time.Second,
		BackoffMaxAttempts: 3,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Mode, "APP_ENV")
	setString(&cfg.Port, "PORT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		parts := strings.Split(v, ",")
		brokers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				brokers = append(brokers, p)
			}
		}
		cfg.KafkaBrokers = brokers
	}
	setString(&cfg.KafkaClientID, "KAFKA_CLIENT_ID")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")
	setString(&cfg.PowSecret, "POW_SECRET")
	setInt(&cfg.PowDifficulty, "POW_DIFFICULTY")
	setBool(&cfg.PowBypass, "POW_BYPASS")
	setBool(&cfg.RateLimitBypass, "RATE_LIMIT_BYPASS")
	setSeconds(&cfg.SweeperInterval, "SWEEPER_INTERVAL_SECONDS")
	setInt(&cfg.ReducerMaxBatch, "REDUCER_MAX_BATCH")
	setSeconds(&cfg.ReducerPollTimeout, "REDUCER_POLL_TIMEOUT_SECONDS")
	setSeconds(&cfg.BackoffBase, "BACKOFF_BASE_SECONDS")
	setSeconds(&cfg.BackoffCap, "BACKOFF_CAP_SECONDS")
	setInt(&cfg.BackoffMaxAttempts, "BACKOFF_MAX_ATTEMPTS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			*dst = true
		default:
			*dst = false
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// IsProd reports whether the service runs in production mode.
func (c *Config) IsProd() bool { return c.Mode == "prod" }

// Validate enforces the fatal configuration rules. Missing credentials
// in prod are a startup failure, not a degraded mode; the anti-abuse
// bypasses must never reach production.
func (c *Config) Validate() error {
	if c.Mode != "dev" && c.Mode != "prod" {
		return fmt.Errorf("mode must be dev or prod, got %q", c.Mode)
	}
	if !c.IsProd() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in prod")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required in prod")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required in prod")
	}
	if c.PowSecret == "" {
		return fmt.Errorf("POW_SECRET is required in prod")
	}
	if c.PowBypass {
		return fmt.Errorf("POW_BYPASS must not be enabled in prod")
	}
	if c.RateLimitBypass {
		return fmt.Errorf("RATE_LIMIT_BYPASS must not be enabled in prod")
	}
	return nil
}
