// Package server assembles the FleetGlass ingestion service: catalog,
// tenant stores, vendor adapters, pipeline, poller, and the HTTP surface.
//
// It lives in pkg/ rather than internal/ so deployment wrappers can embed
// the service with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/internal/catalog"
	"github.com/fleetglass/fleetglass/internal/config"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/notify"
	"github.com/fleetglass/fleetglass/internal/pipeline"
	"github.com/fleetglass/fleetglass/internal/routing"
	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/internal/tasklife"
	"github.com/fleetglass/fleetglass/internal/telemetry"
	"github.com/fleetglass/fleetglass/internal/vendors"
	"github.com/fleetglass/fleetglass/internal/vendors/nexbot"
	"github.com/fleetglass/fleetglass/internal/vendors/sweepbot"
	"github.com/fleetglass/fleetglass/internal/webhook"
)

// Server holds the initialized ingestion service.
type Server struct {
	// Handler is the HTTP surface: webhook ingress, health, metrics.
	Handler http.Handler

	// Stores holds the per-tenant database pools.
	Stores *store.Manager

	// Poller is nil when polling is disabled.
	Poller *pipeline.Poller

	// Health tracks per-account fetch condition.
	Health *pipeline.HealthTracker

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes every component from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	cat, err := catalog.Load(cfg.Catalog.Dir)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	mappings, err := vendor.LoadMappings(filepath.Join(cfg.Catalog.Dir, "mappings"))
	if err != nil {
		return nil, fmt.Errorf("load webhook mappings: %w", err)
	}

	stores, err := store.Open(ctx, cat, cfg.Database.MaxConnections, cfg.Database.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cat)
	if err != nil {
		stores.CloseAll()
		return nil, err
	}

	var sink notify.Sink
	if cfg.Notify.Enabled && cfg.Notify.SinkURL != "" {
		sink = notify.NewHTTPSink(cfg.Notify.SinkURL, cfg.Notify.Timeout)
	}
	notifier := notify.NewEngine(cat, stores, sink, cfg.Notify.Suppression)

	resolver := routing.NewResolver(cat)
	tasks := tasklife.NewManager(tasklife.DefaultMaxAge)
	proc := pipeline.NewProcessor(resolver, stores, tasks, notifier)
	health := pipeline.NewHealthTracker()

	var poller *pipeline.Poller
	if cfg.Poller.Enabled {
		poller = pipeline.NewPoller(cat, registry, resolver, stores, proc, health,
			cfg.Poller.Interval, cfg.Poller.Workers)
	} else {
		log.Info().Msg("Polling disabled")
	}

	ingress := webhook.NewHandler(mappings, cat, resolver, proc, cfg.Webhook.MaxInFlight)
	router := newRouter(cfg, ingress, health, stores)

	return &Server{
		Handler:      router,
		Stores:       stores,
		Poller:       poller,
		Health:       health,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// buildRegistry constructs one adapter per catalog account.
func buildRegistry(cat *catalog.Catalog) (*vendor.Registry, error) {
	registry := vendor.NewRegistry()
	for _, ta := range cat.Accounts() {
		a := ta.Account
		switch a.Vendor {
		case sweepbot.Name:
			registry.Register(ta.Tenant, sweepbot.New(sweepbot.Config{
				BaseURL:      a.BaseURL,
				AuthURL:      a.Credential("auth_url"),
				ClientID:     a.Credential("client_id"),
				ClientSecret: a.Credential("client_secret"),
				RPS:          a.RateRPS,
				Burst:        a.RateBurst,
			}))
		case nexbot.Name:
			registry.Register(ta.Tenant, nexbot.New(nexbot.Config{
				BaseURL:   a.BaseURL,
				APIKey:    a.Credential("api_key"),
				APISecret: a.Credential("api_secret"),
				RPS:       a.RateRPS,
				Burst:     a.RateBurst,
			}))
		default:
			return nil, fmt.Errorf("tenant %q: unknown vendor %q", ta.Tenant, a.Vendor)
		}
	}
	return registry, nil
}

// newRouter mounts the ingress plus the service-level endpoints.
func newRouter(cfg *config.Config, ingress *webhook.Handler, health *pipeline.HealthTracker, stores *store.Manager) http.Handler {
	r := ingress.NewRouter()
	r.Get("/health", healthHandler(health, stores))
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func healthHandler(health *pipeline.HealthTracker, stores *store.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if !health.Healthy() {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"service":   "fleetglass",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"databases": stores.Names(),
			"accounts":  health.Snapshot(),
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
