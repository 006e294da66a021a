package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the registry in Prometheus exposition format. The operator
// HTTP server mounts it at /metrics.
func Handler(registry *MetricsRegistry) http.Handler {
	return promhttp.HandlerFor(
		registry.PrometheusRegistry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
}
