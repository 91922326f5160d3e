// Package metrics provides Prometheus metrics for the site builder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	TurnsTotal         *prometheus.CounterVec
	DeploymentsTotal   *prometheus.CounterVec
	DeployDuration     *prometheus.HistogramVec
	PaymentsTotal      *prometheus.CounterVec
	EntitlementBlocks  *prometheus.CounterVec
	ParseSkippedBlocks *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat2site_turns_total",
				Help: "Conversation turns by channel and flow state.",
			},
			[]string{"channel", "flow"},
		),
		DeploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat2site_deployments_total",
				Help: "Deployments by kind (create, update) and result.",
			},
			[]string{"kind", "result"},
		),
		DeployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat2site_deploy_duration_seconds",
				Help:    "End-to-end deployment duration by kind.",
				Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180},
			},
			[]string{"kind"},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat2site_payments_total",
				Help: "Credited payments by provider and product.",
			},
			[]string{"provider", "product"},
		),
		EntitlementBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat2site_entitlement_blocks_total",
				Help: "Turns blocked by quota, by kind (site, update).",
			},
			[]string{"kind"},
		),
		ParseSkippedBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat2site_parse_skipped_blocks_total",
				Help: "Malformed fenced blocks skipped by the response parser.",
			},
			[]string{"tag"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat2site_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.TurnsTotal)
	reg.MustRegister(m.DeploymentsTotal)
	reg.MustRegister(m.DeployDuration)
	reg.MustRegister(m.PaymentsTotal)
	reg.MustRegister(m.EntitlementBlocks)
	reg.MustRegister(m.ParseSkippedBlocks)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry (tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTurn increments the turn counter.
func (m *Metrics) RecordTurn(channel, flow string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(channel, flow).Inc()
}

// RecordDeployment counts a deployment and observes its duration.
func (m *Metrics) RecordDeployment(kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.DeploymentsTotal.WithLabelValues(kind, result).Inc()
	m.DeployDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordPayment increments the payment counter.
func (m *Metrics) RecordPayment(provider, product string) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(provider, product).Inc()
}

// RecordBlocked increments the entitlement block counter.
func (m *Metrics) RecordBlocked(kind string) {
	if m == nil {
		return
	}
	m.EntitlementBlocks.WithLabelValues(kind).Inc()
}

// RecordSkippedBlock increments the skipped-block counter.
func (m *Metrics) RecordSkippedBlock(tag string) {
	if m == nil {
		return
	}
	m.ParseSkippedBlocks.WithLabelValues(tag).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
