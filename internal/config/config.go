package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// SessionTTL is the fixed lifetime of a session from creation or the
	// last refresh. SessionGraceWindow is how long a terminal record stays
	// resolvable before eviction. SessionSweepInterval drives the janitor.
	SessionTTL           time.Duration
	SessionGraceWindow   time.Duration
	SessionSweepInterval time.Duration

	// RedisURL selects the redis-backed session store when set; the
	// in-memory store is used otherwise.
	RedisURL string

	PipelineProvider string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":7003"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "voicechat"),
		AllowAnyOrigin:       false,
		ShutdownTimeout:      15 * time.Second,
		SessionTTL:           time.Hour,
		SessionGraceWindow:   30 * time.Second,
		SessionSweepInterval: 5 * time.Second,
		RedisURL:             strings.TrimSpace(os.Getenv("REDIS_URL")),
		PipelineProvider:     envOrDefault("PIPELINE_PROVIDER", "stub"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionGraceWindow, err = durationFromEnv("SESSION_GRACE_WINDOW", cfg.SessionGraceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_TTL must be at least 5s")
	}
	if cfg.SessionGraceWindow < 0 {
		return Config{}, fmt.Errorf("SESSION_GRACE_WINDOW must not be negative")
	}
	if cfg.SessionSweepInterval < time.Second {
		return Config{}, fmt.Errorf("SESSION_SWEEP_INTERVAL must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
