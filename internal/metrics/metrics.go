package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the gateway's own registry, exposed on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		JobsTotal, SendDuration, WebhookTotal, InboundTotal,
		SessionState, ReconnectAttempts,
	)
}

// JobsTotal counts worker executions by outcome (sent | retrying | failed).
var JobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wagateway_jobs_total",
		Help: "Outbound jobs executed, by outcome",
	},
	[]string{"outcome"},
)

// SendDuration measures session send calls made by the worker.
var SendDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "wagateway_send_duration_seconds",
		Help:    "Duration of session send calls",
		Buckets: prometheus.DefBuckets,
	},
)

// WebhookTotal counts notification deliveries per sink result.
var WebhookTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wagateway_webhook_total",
		Help: "Notifications dispatched, by event and result",
	},
	[]string{"event", "result"},
)

// InboundTotal counts inbound messages recorded.
var InboundTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wagateway_inbound_total",
		Help: "Inbound messages recorded",
	},
)

// SessionState holds the numeric connection state.
var SessionState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "wagateway_session_state",
		Help: "Connection state (0 disconnected, 1 awaiting_qr, 2 connecting, 3 ready, 4 logged_out, 5 reconnect_exhausted)",
	},
)

// ReconnectAttempts holds the current consecutive reconnect attempt count.
var ReconnectAttempts = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "wagateway_reconnect_attempts",
		Help: "Consecutive reconnect attempts since the last successful open",
	},
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
