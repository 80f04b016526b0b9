package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the FleetGlass ingestion service.
type Config struct {
	Port    int
	Version string

	Catalog   CatalogConfig
	Database  DatabaseConfig
	Poller    PollerConfig
	Webhook   WebhookConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
}

// CatalogConfig locates the declarative configuration documents.
type CatalogConfig struct {
	// Dir is the root holding vendors.yaml, routing.yaml, rules.yaml and
	// the mappings/ subdirectory.
	Dir string
}

type DatabaseConfig struct {
	// MaxConnections bounds each tenant pool, not the sum across tenants.
	MaxConnections int
	ConnectTimeout time.Duration
}

type PollerConfig struct {
	Enabled  bool
	Interval time.Duration
	// Workers caps the fetch pool; 0 means min(8, NumCPU).
	Workers int
}

type WebhookConfig struct {
	// MaxInFlight bounds concurrent webhook processing; excess requests
	// are rejected with 503.
	MaxInFlight int
}

type NotifyConfig struct {
	Enabled bool
	// SinkURL is the base URL of the downstream notification API.
	SinkURL     string
	Timeout     time.Duration
	Suppression time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("FLEETGLASS_PORT", 8080),
		Version: envStr("FLEETGLASS_VERSION", "0.4.0"),
		Catalog: CatalogConfig{
			Dir: envStr("FLEETGLASS_CONFIG_DIR", "configs"),
		},
		Database: DatabaseConfig{
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
			ConnectTimeout: envDur("DATABASE_CONNECT_TIMEOUT", 10*time.Second),
		},
		Poller: PollerConfig{
			Enabled:  envBool("FLEETGLASS_POLL_ENABLED", true),
			Interval: envDur("FLEETGLASS_POLL_INTERVAL", 5*time.Minute),
			Workers:  envInt("FLEETGLASS_POLL_WORKERS", 0),
		},
		Webhook: WebhookConfig{
			MaxInFlight: envInt("FLEETGLASS_WEBHOOK_MAX_INFLIGHT", 64),
		},
		Notify: NotifyConfig{
			Enabled:     envBool("FLEETGLASS_NOTIFY_ENABLED", true),
			SinkURL:     envStr("FLEETGLASS_NOTIFY_SINK_URL", ""),
			Timeout:     envDur("FLEETGLASS_NOTIFY_TIMEOUT", 10*time.Second),
			Suppression: envDur("FLEETGLASS_NOTIFY_SUPPRESSION", 10*time.Minute),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "fleetglass"),
		},
	}
}

// WebhookSecretOverride returns the per-vendor webhook secret override, if
// set. Vendor names are uppercased: FLEETGLASS_WEBHOOK_SECRET_SWEEPBOT.
func WebhookSecretOverride(vendor string) (string, bool) {
	v := os.Getenv("FLEETGLASS_WEBHOOK_SECRET_" + envKeyify(vendor))
	return v, v != ""
}

// StorageBucketOverride returns the per-tenant bucket override, if set.
// Tenant names are uppercased: FLEETGLASS_STORAGE_BUCKET_ACME.
func StorageBucketOverride(tenant string) (string, bool) {
	v := os.Getenv("FLEETGLASS_STORAGE_BUCKET_" + envKeyify(tenant))
	return v, v != ""
}

func envKeyify(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
