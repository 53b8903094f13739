// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. It satisfies status.Recorder so it can be
// fanned out to alongside the status tracker.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	DuplicatesTotal   *prometheus.CounterVec
	RejectionsTotal   *prometheus.CounterVec
	ErrorsTotal       prometheus.Counter
	RateLimitQPS      *prometheus.GaugeVec
	RateLimitRejects  *prometheus.CounterVec
	ConnectionState   prometheus.Gauge
	ReconnectsTotal   prometheus.Counter
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestSeconds *prometheus.HistogramVec
}

// New creates and registers every collector on registry. A nil registry gets
// a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feishu_bridge_events_total",
				Help: "Dispatched events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		DuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feishu_bridge_duplicate_events_total",
				Help: "Redelivered events suppressed by the dedup store",
			},
			[]string{"transport"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feishu_bridge_webhook_rejections_total",
				Help: "Webhook requests rejected before dispatch",
			},
			[]string{"reason"},
		),
		ErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feishu_bridge_errors_total",
				Help: "Transport level errors",
			},
		),
		RateLimitQPS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feishu_bridge_ratelimit_qps",
				Help: "Current allowed QPS per outbound endpoint",
			},
			[]string{"key"},
		),
		RateLimitRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feishu_bridge_ratelimit_rejects_total",
				Help: "Outbound calls rejected by the rate governor",
			},
			[]string{"key"},
		),
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feishu_bridge_longconn_state",
				Help: "Long connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 stopped)",
			},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feishu_bridge_longconn_reconnects_total",
				Help: "Long connection reconnect attempts",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feishu_bridge_api_requests_total",
				Help: "Outbound REST calls by key and result",
			},
			[]string{"key", "result"},
		),
		APIRequestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feishu_bridge_api_request_duration_seconds",
				Help:    "Outbound REST call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"key"},
		),
	}

	registry.MustRegister(
		m.EventsTotal,
		m.DuplicatesTotal,
		m.RejectionsTotal,
		m.ErrorsTotal,
		m.RateLimitQPS,
		m.RateLimitRejects,
		m.ConnectionState,
		m.ReconnectsTotal,
		m.APIRequestsTotal,
		m.APIRequestSeconds,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent implements status.Recorder.
func (m *Metrics) RecordEvent(eventType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "handler_error"
	}
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordError implements status.Recorder.
func (m *Metrics) RecordError(err error) {
	if err != nil {
		m.ErrorsTotal.Inc()
	}
}

// Duplicate counts an event suppressed by dedup.
func (m *Metrics) Duplicate(transport string) {
	m.DuplicatesTotal.WithLabelValues(transport).Inc()
}

// Rejected counts a webhook request refused before dispatch.
func (m *Metrics) Rejected(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveQPS is suitable for ratelimit.Governor.OnAdjust.
func (m *Metrics) ObserveQPS(key string, qps float64) {
	m.RateLimitQPS.WithLabelValues(key).Set(qps)
}
