// Package metric provides Prometheus metrics registration and serving for the
// pipeline. A MetricsRegistry wraps a private prometheus.Registry so tests can
// create isolated registries, and exposes typed registration helpers that
// pipeline stages use to publish their own metrics under the "taotie"
// namespace. Handler exposes a registry in OpenMetrics format for the
// operator server's /metrics route.
package metric
