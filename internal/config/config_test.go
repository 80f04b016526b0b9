package config_test

import (
	"testing"
	"time"

	"github.com/fleetglass/fleetglass/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Poller.Interval != 5*time.Minute {
		t.Errorf("Poller.Interval = %v, want 5m", cfg.Poller.Interval)
	}
	if cfg.Notify.Suppression != 10*time.Minute {
		t.Errorf("Notify.Suppression = %v, want 10m", cfg.Notify.Suppression)
	}
	if cfg.Webhook.MaxInFlight != 64 {
		t.Errorf("Webhook.MaxInFlight = %d, want 64", cfg.Webhook.MaxInFlight)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FLEETGLASS_PORT", "9090")
	t.Setenv("FLEETGLASS_POLL_INTERVAL", "90s")
	t.Setenv("FLEETGLASS_POLL_ENABLED", "false")

	cfg := config.Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Poller.Interval != 90*time.Second {
		t.Errorf("Poller.Interval = %v, want 90s", cfg.Poller.Interval)
	}
	if cfg.Poller.Enabled {
		t.Error("Poller.Enabled = true, want false")
	}
}

func TestLoadIgnoresMalformed(t *testing.T) {
	t.Setenv("FLEETGLASS_PORT", "not-a-number")
	t.Setenv("FLEETGLASS_POLL_INTERVAL", "whenever")

	cfg := config.Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Port)
	}
	if cfg.Poller.Interval != 5*time.Minute {
		t.Errorf("Poller.Interval = %v, want default 5m", cfg.Poller.Interval)
	}
}

func TestStorageBucketOverride(t *testing.T) {
	if _, ok := config.StorageBucketOverride("acme-co"); ok {
		t.Error("override reported present before setenv")
	}
	t.Setenv("FLEETGLASS_STORAGE_BUCKET_ACME_CO", "tenant-acme-artifacts")
	got, ok := config.StorageBucketOverride("acme-co")
	if !ok || got != "tenant-acme-artifacts" {
		t.Errorf("StorageBucketOverride = (%q, %v)", got, ok)
	}
}
