package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/small-thinking/taotie/errors"
)

// Namespace is the Prometheus namespace for all pipeline metrics
const Namespace = "taotie"

// MetricsRegistrar defines the interface for registering stage-specific metrics
type MetricsRegistrar interface {
	RegisterCounter(stageName, metricName string, counter prometheus.Counter) error
	RegisterGauge(stageName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(stageName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(stageName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(stageName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(stageName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(stageName, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with core pipeline metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	// Go runtime metrics
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core pipeline metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

func (r *MetricsRegistry) register(stageName, metricName, kind string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", stageName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metric %s already registered for stage %s", errors.ErrConflict, metricName, stageName),
			"MetricsRegistry", kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", kind,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", kind,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a stage
func (r *MetricsRegistry) RegisterCounter(stageName, metricName string, counter prometheus.Counter) error {
	return r.register(stageName, metricName, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a stage
func (r *MetricsRegistry) RegisterGauge(stageName, metricName string, gauge prometheus.Gauge) error {
	return r.register(stageName, metricName, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a stage
func (r *MetricsRegistry) RegisterHistogram(stageName, metricName string, histogram prometheus.Histogram) error {
	return r.register(stageName, metricName, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a counter vector metric for a stage
func (r *MetricsRegistry) RegisterCounterVec(stageName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(stageName, metricName, "RegisterCounterVec", counterVec)
}

// RegisterGaugeVec registers a gauge vector metric for a stage
func (r *MetricsRegistry) RegisterGaugeVec(stageName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(stageName, metricName, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a histogram vector metric for a stage
func (r *MetricsRegistry) RegisterHistogramVec(stageName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(stageName, metricName, "RegisterHistogramVec", histogramVec)
}

// Unregister removes a previously registered metric. Returns true if the
// metric existed.
func (r *MetricsRegistry) Unregister(stageName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", stageName, metricName)
	c, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}
	r.prometheusRegistry.Unregister(c)
	delete(r.registeredMetrics, key)
	return true
}

// registerCoreMetrics registers the always-on pipeline metrics
func (r *MetricsRegistry) registerCoreMetrics() {
	m := r.Metrics
	r.prometheusRegistry.MustRegister(
		m.EventsSubmitted,
		m.EventsAccepted,
		m.EventsDuplicate,
		m.EventsRejected,
		m.QueueDepth,
		m.BatchesClosed,
		m.BatchSize,
		m.DispatchAttempts,
		m.DispatchDuration,
		m.DeadLetters,
		m.SummariesPersisted,
	)
}
