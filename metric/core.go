package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pipeline-level metrics every deployment exposes.
// Stage-specific extras are registered by the stages themselves through
// MetricsRegistrar.
type Metrics struct {
	// Ingress
	EventsSubmitted *prometheus.CounterVec // by source
	EventsAccepted  *prometheus.CounterVec // by source kind
	EventsDuplicate *prometheus.CounterVec // by source kind
	EventsRejected  *prometheus.CounterVec // by source kind, reason
	QueueDepth      *prometheus.GaugeVec   // by source kind

	// Batching
	BatchesClosed *prometheus.CounterVec // by source kind, close reason
	BatchSize     *prometheus.HistogramVec

	// Dispatch
	DispatchAttempts   *prometheus.CounterVec // by outcome
	DispatchDuration   *prometheus.HistogramVec
	DeadLetters        prometheus.Counter
	SummariesPersisted *prometheus.CounterVec // by source kind
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EventsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "submitted_total",
				Help:      "Total events offered to the ingress gate",
			},
			[]string{"source"},
		),

		EventsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "accepted_total",
				Help:      "Total events accepted and enqueued",
			},
			[]string{"kind"},
		),

		EventsDuplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "duplicate_total",
				Help:      "Total events dropped as duplicates within the fingerprint TTL",
			},
			[]string{"kind"},
		),

		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "rejected_total",
				Help:      "Total events rejected (invalid, queue full, store unavailable)",
			},
			[]string{"kind", "reason"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Current per-source-kind queue depth",
			},
			[]string{"kind"},
		),

		BatchesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "batch",
				Name:      "closed_total",
				Help:      "Total batches closed, by close reason (count, age, flush)",
			},
			[]string{"kind", "reason"},
		),

		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "batch",
				Name:      "size",
				Help:      "Events per closed batch",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"kind"},
		),

		DispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "dispatch",
				Name:      "attempts_total",
				Help:      "Total dispatch attempts, by outcome (success, transient_failure, permanent_failure)",
			},
			[]string{"outcome"},
		),

		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Time spent per consumer invocation",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		DeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "dispatch",
				Name:      "dead_letters_total",
				Help:      "Total batches moved to the dead-letter record",
			},
		),

		SummariesPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "storage",
				Name:      "summaries_persisted_total",
				Help:      "Total summaries written to storage",
			},
			[]string{"kind"},
		),
	}
}
