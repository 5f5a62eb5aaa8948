// Package metrics exposes Prometheus metrics for the consensus engine and
// the cross-node state validator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors, registered on a private registry
// so multiple instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Consensus metrics
	ProposalsTotal     prometheus.Counter
	ProposalsCommitted prometheus.Counter
	ProposalsFailed    prometheus.Counter
	ProposalLatency    prometheus.Histogram
	CurrentTerm        prometheus.Gauge
	Role               prometheus.Gauge
	ClusterSize        prometheus.Gauge

	// Validation metrics
	ValidationsTotal  prometheus.Counter
	ValidationsFailed prometheus.Counter
	ValidationLatency prometheus.Histogram
	ValidatedStates   prometheus.Gauge
}

func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ProposalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Total number of proposals submitted",
		}),
		ProposalsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_committed_total",
			Help:      "Total number of proposals committed to the replicated state",
		}),
		ProposalsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_failed_total",
			Help:      "Total number of proposals rejected or aborted",
		}),
		ProposalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proposal_latency_seconds",
			Help:      "End-to-end proposal commit latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		CurrentTerm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_term",
			Help:      "Current consensus term",
		}),
		Role: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role",
			Help:      "Current node role (0=follower, 1=candidate, 2=leader)",
		}),
		ClusterSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_size",
			Help:      "Number of nodes in the cluster membership",
		}),

		ValidationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of container state validations",
		}),
		ValidationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_failed_total",
			Help:      "Total number of failed container state validations",
		}),
		ValidationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_latency_seconds",
			Help:      "Container state validation latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		ValidatedStates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validated_states",
			Help:      "Number of container states currently cached",
		}),
	}
}

// RecordProposal records one proposal outcome.
func (m *Metrics) RecordProposal(success bool, duration time.Duration) {
	m.ProposalsTotal.Inc()
	m.ProposalLatency.Observe(duration.Seconds())
	if success {
		m.ProposalsCommitted.Inc()
	} else {
		m.ProposalsFailed.Inc()
	}
}

// RecordValidation records one state validation outcome.
func (m *Metrics) RecordValidation(success bool, duration time.Duration) {
	m.ValidationsTotal.Inc()
	m.ValidationLatency.Observe(duration.Seconds())
	if !success {
		m.ValidationsFailed.Inc()
	}
}

// Server runs an HTTP server exposing /metrics and /health.
type Server struct {
	server *http.Server
}

func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// StartAsync starts the metrics server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

func (s *Server) Stop() error {
	return s.server.Close()
}
