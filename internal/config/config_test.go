package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	r := cfg.Resilience
	if r.RateLimit.AutoBlacklistThreshold != 10 {
		t.Fatalf("expected blacklist threshold 10, got %d", r.RateLimit.AutoBlacklistThreshold)
	}
	if r.RetryQueue.MaxAttempts != 10 {
		t.Fatalf("expected max attempts 10, got %d", r.RetryQueue.MaxAttempts)
	}
	if r.Batch.Window != 3*time.Second {
		t.Fatalf("expected 3s batch window, got %s", r.Batch.Window)
	}
	if r.Breaker.VolumeThreshold != 5 || r.Breaker.ErrorThresholdPercentage != 50 {
		t.Fatalf("unexpected breaker defaults: %+v", r.Breaker)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("RATE_LIMIT_MAX_PER_DAY", "3")
	t.Setenv("RATE_LIMIT_COOLDOWN", "0s")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.example.go.id, ,https://console.example.go.id")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Resilience.RateLimit.MaxPerDay != 3 {
		t.Fatalf("expected max per day 3, got %d", cfg.Resilience.RateLimit.MaxPerDay)
	}
	if cfg.Resilience.RateLimit.Cooldown != 0 {
		t.Fatalf("expected zero cooldown, got %s", cfg.Resilience.RateLimit.Cooldown)
	}
	if cfg.Resilience.Cache.Enabled {
		t.Fatalf("expected cache disabled")
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://console.example.go.id" {
		t.Fatalf("unexpected origins %q", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFile_OverlaysResilience(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	doc := `
resilience:
  rate_limit:
    max_per_day: 7
  breaker:
    reset_timeout: 45s
  batch:
    window: 1500ms
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := cfg.Resilience
	if r.RateLimit.MaxPerDay != 7 {
		t.Fatalf("expected overlay max per day 7, got %d", r.RateLimit.MaxPerDay)
	}
	if r.Breaker.ResetTimeout != 45*time.Second {
		t.Fatalf("expected 45s reset timeout, got %s", r.Breaker.ResetTimeout)
	}
	if r.Batch.Window != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s window, got %s", r.Batch.Window)
	}
	if r.RateLimit.AutoBlacklistThreshold != 10 {
		t.Fatalf("keys absent from the file must keep env values")
	}
}

func TestValidate_RejectsBadPolicy(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BREAKER_ERROR_THRESHOLD", "150")
	t.Setenv("RATE_LIMIT_TIME_ZONE", "Nowhere/Special")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "error_threshold_percentage") {
		t.Fatalf("expected threshold error, got %v", err)
	}
	if !strings.Contains(err.Error(), "time_zone") {
		t.Fatalf("expected time zone error, got %v", err)
	}
}
