package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":7003" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":7003")
	}
	if cfg.SessionTTL != time.Hour {
		t.Fatalf("SessionTTL = %v, want %v", cfg.SessionTTL, time.Hour)
	}
	if cfg.SessionGraceWindow != 30*time.Second {
		t.Fatalf("SessionGraceWindow = %v, want %v", cfg.SessionGraceWindow, 30*time.Second)
	}
	if cfg.SessionSweepInterval != 5*time.Second {
		t.Fatalf("SessionSweepInterval = %v, want %v", cfg.SessionSweepInterval, 5*time.Second)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty default", cfg.RedisURL)
	}
	if cfg.PipelineProvider != "stub" {
		t.Fatalf("PipelineProvider = %q, want %q", cfg.PipelineProvider, "stub")
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("SessionTTL = %v, want %v", cfg.SessionTTL, 30*time.Minute)
	}
	if cfg.RedisURL != "redis://localhost:6379/2" {
		t.Fatalf("RedisURL = %q, want explicit value", cfg.RedisURL)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SESSION_TTL", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}

func TestLoadRejectsTooShortTTL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SESSION_TTL", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want validation error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"SESSION_TTL",
		"SESSION_GRACE_WINDOW",
		"SESSION_SWEEP_INTERVAL",
		"REDIS_URL",
		"PIPELINE_PROVIDER",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
