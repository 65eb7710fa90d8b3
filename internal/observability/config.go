// Package observability wires OpenTelemetry tracing and metrics, and Server-Timing
// response metrics, into query projection.
//
// All providers are optional. Without a TracerProvider or MeterProvider the no-op
// implementations are used, so instrumented code never checks for nil.
package observability

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationName = "github.com/nlstn/go-odatamap"
	defaultServiceName  = "odatamap"
)

// Config holds the observability settings and the instruments built from them.
type Config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string
	serviceVersion string
	logger         *slog.Logger
	serverTiming   bool

	tracer  *Tracer
	metrics *Metrics
}

// Option configures a Config.
type Option func(*Config)

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.tracerProvider = tp }
}

// WithMeterProvider sets the provider metric instruments are created from.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.meterProvider = mp }
}

// WithServiceName sets the service name reported on spans.
func WithServiceName(name string) Option {
	return func(c *Config) { c.serviceName = name }
}

// WithServiceVersion sets the service version reported on spans.
func WithServiceVersion(version string) Option {
	return func(c *Config) { c.serviceVersion = version }
}

// WithLogger sets the logger used to report instrumentation problems.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithServerTiming enables Server-Timing metrics for queries whose context carries a
// Server-Timing header.
func WithServerTiming() Option {
	return func(c *Config) { c.serverTiming = true }
}

// NewConfig applies opts over the defaults. Call Initialize before use.
func NewConfig(opts ...Option) *Config {
	c := &Config{serviceName: defaultServiceName}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Initialize creates the tracer and the metric instruments.
func (c *Config) Initialize() error {
	tp := c.tracerProvider
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	mp := c.meterProvider
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}

	c.tracer = newTracer(tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(c.serviceVersion)), c.serviceName)
	metrics, err := newMetrics(mp.Meter(instrumentationName, metric.WithInstrumentationVersion(c.serviceVersion)))
	if err != nil {
		return fmt.Errorf("failed to create metric instruments: %w", err)
	}
	c.metrics = metrics
	c.logger.Debug("Observability initialized",
		"tracing_enabled", c.tracerProvider != nil,
		"metrics_enabled", c.meterProvider != nil,
		"server_timing_enabled", c.serverTiming,
		"service_name", c.serviceName,
	)
	return nil
}

// Tracer returns the query tracer. A nil or uninitialized Config yields a no-op tracer.
func (c *Config) Tracer() *Tracer {
	if c == nil || c.tracer == nil {
		return noopTracer
	}
	return c.tracer
}

// Metrics returns the query metrics. A nil or uninitialized Config yields no-op metrics.
func (c *Config) Metrics() *Metrics {
	if c == nil || c.metrics == nil {
		return noopMetrics
	}
	return c.metrics
}

// ServerTimingEnabled reports whether Server-Timing metrics are recorded.
func (c *Config) ServerTimingEnabled() bool {
	return c != nil && c.serverTiming
}

// Default returns an initialized configuration with no-op providers.
func Default() *Config {
	c := NewConfig()
	if err := c.Initialize(); err != nil {
		// the no-op providers never fail
		panic(err)
	}
	return c
}
