// Package metrics exposes the ingestion pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Poller metrics
	PollRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_poll_runs_total",
			Help: "Total number of poll runs by result",
		},
		[]string{"result"},
	)

	FetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_fetch_failures_total",
			Help: "Total number of vendor fetch failures by vendor and failure kind",
		},
		[]string{"vendor", "kind"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetglass_fetch_groups_inflight",
			Help: "Number of (tenant, vendor) fetch groups currently in flight",
		},
	)

	// Pipeline metrics
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_records_total",
			Help: "Total number of records processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetglass_batch_duration_seconds",
			Help:    "Time to run one record batch through detect and write",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_notifications_total",
			Help: "Total number of notifications by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// Webhook metrics
	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_webhook_requests_total",
			Help: "Total number of webhook requests by vendor and HTTP status",
		},
		[]string{"vendor", "status"},
	)
)

func init() {
	prometheus.MustRegister(PollRunsTotal)
	prometheus.MustRegister(FetchFailuresTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(WebhookRequestsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
