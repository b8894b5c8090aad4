// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handshake results.
const (
	HandshakeValidated = "validated"
	HandshakeDropped   = "dropped"
	HandshakeRejected  = "rejected"
	HandshakeFailed    = "failed"
)

// Metrics groups the collectors of one process. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Handshakes    *prometheus.CounterVec
	OCSPResponses *prometheus.CounterVec
	UpstreamFetch *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec
	DNSQueries    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acme_test",
			Subsystem: "tlsalpn",
			Name:      "handshakes_total",
			Help:      "TLS-ALPN-01 handshakes by result.",
		}, []string{"result"}),
		OCSPResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acme_test",
			Subsystem: "ocsp",
			Name:      "responses_total",
			Help:      "OCSP responses by status.",
		}, []string{"status"}),
		UpstreamFetch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "acme_test",
			Subsystem: "ocsp",
			Name:      "upstream_fetch_seconds",
			Help:      "Latency of requests to the upstream CA.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acme_test",
			Subsystem: "controller",
			Name:      "http_requests_total",
			Help:      "Control plane requests by status code.",
		}, []string{"code"}),
		DNSQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acme_test",
			Subsystem: "dns",
			Name:      "queries_total",
			Help:      "DNS queries by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Handshakes,
		m.OCSPResponses,
		m.UpstreamFetch,
		m.HTTPRequests,
		m.DNSQueries,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Handshake counts one TLS-ALPN handshake. It is a no-op on a nil receiver.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// OCSPResponse counts one OCSP response. It is a no-op on a nil receiver.
func (m *Metrics) OCSPResponse(status string) {
	if m == nil {
		return
	}
	m.OCSPResponses.WithLabelValues(status).Inc()
}

// ObserveFetch records an upstream request. It is a no-op on a nil receiver.
func (m *Metrics) ObserveFetch(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamFetch.WithLabelValues(kind).Observe(seconds)
}

// HTTPRequest counts one control plane request. It is a no-op on a nil receiver.
func (m *Metrics) HTTPRequest(code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// DNSQuery counts one DNS question. It is a no-op on a nil receiver.
func (m *Metrics) DNSQuery(qtype string) {
	if m == nil {
		return
	}
	m.DNSQueries.WithLabelValues(qtype).Inc()
}
