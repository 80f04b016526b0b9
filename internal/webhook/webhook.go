// Package webhook serves the push ingress: vendors POST telemetry to
// brand-specific endpoints or to a brand-agnostic one that auto-detects the
// sender from the payload shape. Payloads are translated through the
// declarative mapping documents and fed into the same pipeline the poller
// uses, so a pushed record and a polled record are indistinguishable
// downstream.
package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/internal/catalog"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/normalize"
	"github.com/fleetglass/fleetglass/internal/pipeline"
	"github.com/fleetglass/fleetglass/internal/routing"
	"github.com/fleetglass/fleetglass/internal/vendors"
	"github.com/fleetglass/fleetglass/pkg/models"
)

// maxBodyBytes caps a webhook payload. Vendor pushes are single events;
// anything near this size is malformed or abusive.
const maxBodyBytes = 1 << 20

// Handler is the webhook ingress.
type Handler struct {
	mappings vendor.MappingSet
	cat      *catalog.Catalog
	resolver *routing.Resolver
	proc     *pipeline.Processor

	// sem bounds concurrent payload processing; a full channel answers 503.
	sem chan struct{}
}

// NewHandler wires the ingress to the pipeline. maxInFlight <= 0 falls back
// to 64.
func NewHandler(mappings vendor.MappingSet, cat *catalog.Catalog, resolver *routing.Resolver, proc *pipeline.Processor, maxInFlight int) *Handler {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	return &Handler{
		mappings: mappings,
		cat:      cat,
		resolver: resolver,
		proc:     proc,
		sem:      make(chan struct{}, maxInFlight),
	}
}

// Routes mounts the ingress endpoints on a router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/webhook", h.handleAuto)
	r.Get("/api/webhook/health", h.handleHealth(""))
	r.Post("/api/{vendor}/webhook", h.handleVendor)
	r.Get("/api/{vendor}/webhook/health", h.handleVendorHealth)
}

// NewRouter builds a standalone router carrying the ingress and its
// middleware stack.
func (h *Handler) NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	h.Routes(r)
	return r
}

// handleVendor serves the brand-specific endpoint. The vendor name in the
// path picks the mapping document directly.
func (h *Handler) handleVendor(w http.ResponseWriter, r *http.Request) {
	vendorName := chi.URLParam(r, "vendor")
	doc, ok := h.mappings[vendorName]
	if !ok {
		h.reject(w, vendorName, http.StatusNotFound, "unknown vendor "+vendorName)
		return
	}
	// The vendor is known from the path, so header auth is checked before
	// the body is even read.
	if err := h.verifyHeader(r, doc); err != nil {
		h.reject(w, vendorName, http.StatusUnauthorized, "webhook verification failed")
		return
	}
	payload, ok := h.decode(w, r, vendorName)
	if !ok {
		return
	}
	h.ingest(w, r, doc, payload)
}

// handleAuto serves the brand-agnostic endpoint: the sender is identified
// by which document's detect field appears in the payload. Ambiguity is a
// client error, not a guess.
func (h *Handler) handleAuto(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r, "auto")
	if !ok {
		return
	}
	doc, err := h.mappings.Detect(payload)
	if err != nil {
		h.reject(w, "auto", http.StatusBadRequest, err.Error())
		return
	}
	// Detection needed the body, so header auth runs after decode here.
	if err := h.verifyHeader(r, doc); err != nil {
		h.reject(w, doc.Vendor, http.StatusUnauthorized, "webhook verification failed")
		return
	}
	h.ingest(w, r, doc, payload)
}

// ingest runs one payload, already header-verified, through body
// verification, translate, route, and the pipeline.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, doc *vendor.Document, payload map[string]any) {
	vendorName := doc.Vendor

	if err := h.verifyBody(doc, payload); err != nil {
		h.reject(w, vendorName, http.StatusUnauthorized, "webhook verification failed")
		return
	}

	rule, err := doc.Route(payload)
	if err != nil {
		h.reject(w, vendorName, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := doc.Apply(rule, payload)
	if err != nil {
		h.reject(w, vendorName, http.StatusBadRequest, err.Error())
		return
	}
	if err := normalize.Record(rec); err != nil {
		h.reject(w, vendorName, http.StatusBadRequest, err.Error())
		return
	}

	database, err := h.resolver.Route(rec.Serial())
	if err != nil {
		var unknown *routing.UnknownSerialError
		if errors.As(err, &unknown) {
			h.reject(w, vendorName, http.StatusNotFound, err.Error())
			return
		}
		h.reject(w, vendorName, http.StatusInternalServerError, err.Error())
		return
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		h.reject(w, vendorName, http.StatusServiceUnavailable, "ingress saturated")
		return
	}

	sum, err := h.proc.ProcessNormalized(r.Context(), database, []*models.Record{rec})
	if err != nil {
		log.Error().Err(err).
			Str("vendor", vendorName).
			Str("serial", rec.Serial()).
			Str("database", database).
			Msg("Webhook processing failed")
		h.reject(w, vendorName, http.StatusInternalServerError, "processing failed")
		return
	}

	log.Info().
		Str("vendor", vendorName).
		Str("kind", string(rec.Kind())).
		Str("serial", rec.Serial()).
		Str("database", database).
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("triggers", sum.Triggers).
		Msg("Webhook processed")
	metrics.WebhookRequestsTotal.WithLabelValues(vendorName, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   string(rec.Kind()) + " accepted",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// decode reads the request body as a JSON object.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, vendorLabel string) (map[string]any, bool) {
	var payload map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		h.reject(w, vendorLabel, http.StatusBadRequest, "invalid JSON payload")
		return nil, false
	}
	return payload, true
}

// reject answers an error and counts it.
func (h *Handler) reject(w http.ResponseWriter, vendorLabel string, status int, msg string) {
	if status >= 500 {
		log.Error().Str("vendor", vendorLabel).Int("status", status).Msg(msg)
	} else {
		log.Warn().Str("vendor", vendorLabel).Int("status", status).Msg(msg)
	}
	metrics.WebhookRequestsTotal.WithLabelValues(vendorLabel, strconv.Itoa(status)).Inc()
	writeJSON(w, status, map[string]any{
		"status":    "error",
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ── Health ───────────────────────────────────────────────────

// handleVendorHealth answers the brand-specific health probe.
func (h *Handler) handleVendorHealth(w http.ResponseWriter, r *http.Request) {
	h.handleHealth(chi.URLParam(r, "vendor"))(w, r)
}

// handleHealth reports the ingress configuration for one vendor, or for
// all vendors on the brand-agnostic path.
func (h *Handler) handleHealth(vendorName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if vendorName == "" {
			vendors := make([]string, 0, len(h.mappings))
			for name := range h.mappings {
				vendors = append(vendors, name)
			}
			resp["configured_vendors"] = vendors
			resp["supported_endpoints"] = []string{
				"POST /api/webhook",
				"POST /api/{vendor}/webhook",
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		doc, ok := h.mappings[vendorName]
		if !ok {
			h.reject(w, vendorName, http.StatusNotFound, "unknown vendor "+vendorName)
			return
		}
		features := make(map[string]bool)
		for _, m := range doc.Messages {
			features[string(m.Kind)] = true
		}
		resp["configured_vendor"] = vendorName
		resp["features"] = features
		resp["supported_endpoints"] = []string{
			"POST /api/" + vendorName + "/webhook",
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
