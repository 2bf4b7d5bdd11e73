// Package metrics exposes the service's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "koa_rti"

// Metrics owns a private registry. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	ingestRequests *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	piNotify       *prometheus.CounterVec
	lookups        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Ingest API requests by level and API status.",
		}, []string{"level", "api_status"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Admin alerts by code and outcome.",
		}, []string{"code", "outcome"}),
		piNotify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pi_notifications_total",
			Help:      "PI notification decisions by result.",
		}, []string{"result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_lookups_total",
			Help:      "Schedule and proposal API calls by endpoint and result.",
		}, []string{"endpoint", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestRequests,
		m.alerts,
		m.piNotify,
		m.lookups,
	)
	return m
}

func (m *Metrics) IngestRequest(level, apiStatus string) {
	if m == nil {
		return
	}
	m.ingestRequests.WithLabelValues(level, apiStatus).Inc()
}

func (m *Metrics) Alert(code, outcome string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(code, outcome).Inc()
}

func (m *Metrics) PINotify(result string) {
	if m == nil {
		return
	}
	m.piNotify.WithLabelValues(result).Inc()
}

func (m *Metrics) Lookup(endpoint, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(endpoint, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
