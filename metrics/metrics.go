// Package metrics holds the prometheus collectors of the consensus core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qrdag"

type Metrics struct {
	VerticesProcessed prometheus.Counter
	VerticesFinalized prometheus.Counter
	VerticesRejected  prometheus.Counter
	ConflictsDetected prometheus.Counter
	ByzantineVoters   prometheus.Counter
	SamplingFailures  prometheus.Counter
	InFlight          prometheus.Gauge
	FinalitySeconds   prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerticesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "vertices_processed_total",
			Help:      "Vertices handed to the consensus engine",
		}),
		VerticesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "vertices_finalized_total",
			Help:      "Vertices that reached final status",
		}),
		VerticesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "vertices_rejected_total",
			Help:      "Vertices that reached rejected status",
		}),
		ConflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "conflicts_detected_total",
			Help:      "Submissions or imports that conflicted with an admitted vertex",
		}),
		ByzantineVoters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "byzantine_voters_total",
			Help:      "Peers flagged for changing their vote on a vertex",
		}),
		SamplingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "sampling_failures_total",
			Help:      "Failed voting oracle queries",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "submissions_in_flight",
			Help:      "Submissions currently holding a processing slot",
		}),
		FinalitySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "finality_seconds",
			Help:      "Time from first observation to final status",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.VerticesProcessed,
			m.VerticesFinalized,
			m.VerticesRejected,
			m.ConflictsDetected,
			m.ByzantineVoters,
			m.SamplingFailures,
			m.InFlight,
			m.FinalitySeconds,
		)
	}
	return m
}

func (m *Metrics) Processed() {
	if m != nil {
		m.VerticesProcessed.Inc()
	}
}

func (m *Metrics) Finalized(since time.Duration) {
	if m != nil {
		m.VerticesFinalized.Inc()
		m.FinalitySeconds.Observe(since.Seconds())
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.VerticesRejected.Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.ConflictsDetected.Inc()
	}
}

func (m *Metrics) Byzantine() {
	if m != nil {
		m.ByzantineVoters.Inc()
	}
}

func (m *Metrics) SamplingFailure() {
	if m != nil {
		m.SamplingFailures.Inc()
	}
}

func (m *Metrics) SlotAcquired() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) SlotReleased() {
	if m != nil {
		m.InFlight.Dec()
	}
}
