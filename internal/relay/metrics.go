// ABOUTME: Prometheus metrics for the relay hub
// ABOUTME: Connection gauges, command/query/announcement counters and query latency

package relay

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "muter_relay"

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	agentsConnected    prometheus.Gauge
	observersConnected prometheus.Gauge
	commandsTotal      *prometheus.CounterVec
	queriesTotal       *prometheus.CounterVec
	queryDuration      prometheus.Histogram
	announcementsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		agentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "agents_connected",
			Help:      "Number of agents with an open websocket",
		}),
		observersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "observers_connected",
			Help:      "Number of observer websockets watching mute state",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Mute and unmute commands forwarded to agents",
		}, []string{"command", "result"}),
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queries_total",
			Help:      "Mute state queries sent to agents",
		}, []string{"result"}),
		queryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "query_duration_seconds",
			Help:      "Time from query to correlated response",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		announcementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "announcements_total",
			Help:      "State announcements received from agents",
		}, []string{"state"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeQuery(result string, started time.Time) {
	m.queriesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.queryDuration.Observe(time.Since(started).Seconds())
	}
}
