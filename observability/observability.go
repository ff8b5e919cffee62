// Package observability wires log/slog, OpenTelemetry tracing/metrics and a
// Prometheus registerer into the single handle every long-lived component
// in circuitd is constructed with.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/circuitmesh/circuitd/logger"
)

// Observability is the handle passed into every worker-owning component
// (peer.Interconnect, circuit.Handler, twopc.Runner): logging, tracing and
// metrics, constructed once at daemon startup and never a global singleton.
type Observability interface {
	TracerProvider() trace.TracerProvider
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	PrometheusRegisterer() prometheus.Registerer
	Logger() *slog.Logger
	Shutdown() error
}

type nodeObservability struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	reg      *prometheus.Registry
	log      *slog.Logger
	exporter sdkmetric.Reader
}

// Option configures New.
type Option func(*nodeObservability)

// WithLogger overrides the default stderr text logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *nodeObservability) { o.log = log }
}

// New constructs the default Observability implementation: an SDK
// TracerProvider with no exporter attached by the caller (attach one via
// the returned TracerProvider if needed), a Prometheus-backed MeterProvider,
// and a dedicated prometheus.Registry so metrics from independent node
// instances in the same process (as in multi-node tests) never collide.
func New(opts ...Option) (Observability, error) {
	o := &nodeObservability{
		log: logger.New(slog.LevelInfo, "text", nil),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.tp = sdktrace.NewTracerProvider()

	reg := prometheus.NewRegistry()
	exporter, err := prometheusExporter(reg)
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	o.reg = reg
	o.exporter = exporter
	o.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return o, nil
}

func (o *nodeObservability) TracerProvider() trace.TracerProvider { return o.tp }

func (o *nodeObservability) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, opts...)
}

func (o *nodeObservability) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, opts...)
}

func (o *nodeObservability) PrometheusRegisterer() prometheus.Registerer { return o.reg }

func (o *nodeObservability) Logger() *slog.Logger { return o.log }

func (o *nodeObservability) Shutdown() error {
	ctx := context.Background()
	var err error
	if e := o.tp.Shutdown(ctx); e != nil {
		err = fmt.Errorf("shutting down tracer provider: %w", e)
	}
	if e := o.mp.Shutdown(ctx); e != nil {
		if err != nil {
			err = fmt.Errorf("%w; shutting down meter provider: %v", err, e)
		} else {
			err = fmt.Errorf("shutting down meter provider: %w", e)
		}
	}
	return err
}

// NoOp returns an Observability for tests that do not care about telemetry
// output: SDK tracer/meter providers with no exporter beyond a private
// Prometheus registry, and a logger that discards every record.
func NoOp() Observability {
	reg := prometheus.NewRegistry()
	exporter, _ := prometheusExporter(reg)
	return &nodeObservability{
		tp:  sdktrace.NewTracerProvider(),
		mp:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)),
		reg: reg,
		log: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 100})),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
