// Package metrics exposes prometheus instruments for vendor calls, webhooks
// and document transitions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the connector instruments on their own registry
type Metrics struct {
	registry *prometheus.Registry

	WebhooksTotal       *prometheus.CounterVec
	SendsTotal          *prometheus.CounterVec
	TransitionsTotal    *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	JobDuration         *prometheus.HistogramVec
}

// New creates and registers the instruments
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peppol_webhooks_total",
				Help: "Webhook deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peppol_sends_total",
				Help: "Outbound send attempts by provider and result",
			},
			[]string{"provider", "result"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peppol_transitions_total",
				Help: "Applied document status transitions",
			},
			[]string{"provider", "to", "source"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "peppol_job_duration_seconds",
				Help:    "Batch job duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}
	m.registry.MustRegister(
		m.WebhooksTotal,
		m.SendsTotal,
		m.TransitionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.JobDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the instruments live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Webhook counts one webhook delivery. Safe on a nil receiver.
func (m *Metrics) Webhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(provider, outcome).Inc()
}

// Send counts one send attempt. Safe on a nil receiver.
func (m *Metrics) Send(provider, result string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(provider, result).Inc()
}

// Transition counts one applied transition. Safe on a nil receiver.
func (m *Metrics) Transition(provider, to, source string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(provider, to, source).Inc()
}

// ObserveJob records the duration of a batch job. Safe on a nil receiver.
func (m *Metrics) ObserveJob(job string, started time.Time) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}
