// Package metrics exposes Prometheus collectors for the upload pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gophupload"

type Metrics struct {
	ChunksSent       *prometheus.CounterVec
	BytesSent        prometheus.Counter
	StateTransitions *prometheus.CounterVec
	DedupOutcomes    *prometheus.CounterVec
	InFlight         prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing nil uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		ChunksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Chunk transfers by channel and result.",
		}, []string{"channel", "result"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Payload bytes acknowledged by the server.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Transfer request transitions by target state.",
		}, []string{"state"}),
		DedupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_outcomes_total",
			Help:      "Content existence checks by outcome.",
		}, []string{"outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_in_flight",
			Help:      "Requests currently holding a transfer slot.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(m.ChunksSent, m.BytesSent, m.StateTransitions, m.DedupOutcomes, m.InFlight)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
