// Package observability exposes Prometheus instrumentation for the
// batch engine and the HTTP server.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records batch engine activity into Prometheus counters.
// It satisfies the engine's metrics hook interface.
type Metrics struct {
	jobsStarted    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	itemsProcessed *prometheus.CounterVec
}

// NewMetrics registers the outreach metric family on the given registerer.
// Pass nil to register on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		jobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_jobs_started_total",
			Help: "Number of batch jobs started, by kind.",
		}, []string{"kind"}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_jobs_finished_total",
			Help: "Number of batch jobs finished, by terminal status.",
		}, []string{"status"}),
		itemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_items_processed_total",
			Help: "Number of individual work items processed, by outcome.",
		}, []string{"status"}),
	}
}

func (m *Metrics) JobStarted(kind string) {
	m.jobsStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobFinished(status string) {
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) ItemProcessed(status string) {
	m.itemsProcessed.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
