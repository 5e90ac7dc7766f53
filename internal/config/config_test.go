package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/staqflow")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port default: %d", cfg.Port)
	}
	if cfg.OnstaqAPIURL != "http://localhost:3000" {
		t.Fatalf("api url default: %q", cfg.OnstaqAPIURL)
	}
	if cfg.MaxConcurrentExecutions != 10 {
		t.Fatalf("concurrency default: %d", cfg.MaxConcurrentExecutions)
	}
	if cfg.PollInterval() != time.Minute {
		t.Fatalf("poll interval default: %s", cfg.PollInterval())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ONSTAQ_API_URL", "https://onstaq.example.com/")
	t.Setenv("POLL_INTERVAL_MS", "30000")
	t.Setenv("MIN_POLL_INTERVAL_MS", "5000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port: %d", cfg.Port)
	}
	// Trailing slash is normalized away.
	if cfg.OnstaqAPIURL != "https://onstaq.example.com" {
		t.Fatalf("api url: %q", cfg.OnstaqAPIURL)
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Fatalf("poll interval: %s", cfg.PollInterval())
	}
}

func TestPollIntervalFloorsAtMinimum(t *testing.T) {
	cfg := Config{PollIntervalMs: 1000, MinPollIntervalMs: 10000}
	if cfg.PollInterval() != 10*time.Second {
		t.Fatalf("got %s", cfg.PollInterval())
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Fatal("expected port validation error")
	}
}
