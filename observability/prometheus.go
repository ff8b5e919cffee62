package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// prometheusExporter bridges the OTel metric SDK into a dedicated
// prometheus.Registry, which PrometheusRegisterer() then exposes for an
// HTTP /metrics handler.
func prometheusExporter(reg *prometheus.Registry) (sdkmetric.Reader, error) {
	return otelprom.New(otelprom.WithRegisterer(reg))
}
