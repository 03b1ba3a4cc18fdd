// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine records into. A nil *Metrics is
// safe to call, so tests can skip instrumentation entirely.
type Metrics struct {
	registry *prometheus.Registry

	analysesTotal   prometheus.Counter
	healthScore     *prometheus.GaugeVec
	batchesTotal    *prometheus.CounterVec
	riskViolations  *prometheus.CounterVec
	ordersSubmitted *prometheus.CounterVec
}

// New creates and registers the engine's collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		analysesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_analyses_total",
			Help: "Completed portfolio analysis runs.",
		}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portfolio_health_score",
			Help: "Latest health score per account, 0 to 100.",
		}, []string{"account"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_batches_total",
			Help: "Order batch transitions by resulting status.",
		}, []string{"status"}),
		riskViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_risk_violations_total",
			Help: "Risk validation failures by rule.",
		}, []string{"rule"}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_orders_submitted_total",
			Help: "Orders submitted to the brokerage by side and outcome.",
		}, []string{"side", "status"}),
	}
	registry.MustRegister(
		m.analysesTotal,
		m.healthScore,
		m.batchesTotal,
		m.riskViolations,
		m.ordersSubmitted,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AnalysisCompleted records one finished analysis run and its health score.
func (m *Metrics) AnalysisCompleted(account string, healthScore float64) {
	if m == nil {
		return
	}
	m.analysesTotal.Inc()
	m.healthScore.WithLabelValues(account).Set(healthScore)
}

// BatchTransition records a batch reaching status.
func (m *Metrics) BatchTransition(status string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(status).Inc()
}

// RiskViolation records one validation failure.
func (m *Metrics) RiskViolation(rule string) {
	if m == nil {
		return
	}
	m.riskViolations.WithLabelValues(rule).Inc()
}

// OrderSubmitted records one brokerage submission outcome.
func (m *Metrics) OrderSubmitted(side, status string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(side, status).Inc()
}
