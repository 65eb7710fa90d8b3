package odatamap

import (
	"fmt"
	"log/slog"

	"github.com/nlstn/go-odatamap/internal/expansion"
	"github.com/nlstn/go-odatamap/internal/observability"
	"github.com/nlstn/go-odatamap/internal/translate"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// NullPropagation controls whether member chains through nullable members are guarded
// when the projection and nested clauses run in memory.
type NullPropagation = translate.NullPropagation

const (
	// NullPropagationDefault guards member chains.
	NullPropagationDefault = translate.NullPropagationDefault
	// NullPropagationEnabled guards member chains.
	NullPropagationEnabled = translate.NullPropagationEnabled
	// NullPropagationDisabled leaves member chains unguarded; reading through a null
	// member fails with ErrNullReference.
	NullPropagationDisabled = translate.NullPropagationDisabled
)

// ExpansionMode selects how nested $expand clauses are spliced into the projection.
type ExpansionMode int

const (
	// ExpansionTagged rewrites every expanded branch in one pass, locating each
	// nested Select by the destination path it was generated for. Any number of
	// branches may carry nested clauses.
	ExpansionTagged ExpansionMode = iota
	// ExpansionSequential visits the expansion paths one at a time. At most one path
	// may carry a nested $filter or $orderby/$top/$skip and it must be the last one.
	ExpansionSequential
)

func (m ExpansionMode) String() string {
	if m == ExpansionSequential {
		return "sequential"
	}
	return "tagged"
}

// DefaultMaxExpansionDepth limits the number of members in one $expand path.
const DefaultMaxExpansionDepth = expansion.DefaultMaxDepth

// QuerySettings configures GetQuery. The zero value, and a nil *QuerySettings, selects
// the defaults documented on each field.
type QuerySettings struct {
	// NullPropagation defaults to NullPropagationDefault.
	NullPropagation NullPropagation

	// MaxExpansionDepth limits the length of an $expand path.
	// Defaults to DefaultMaxExpansionDepth when zero or negative.
	MaxExpansionDepth int

	// ProjectionParameters supplies the values of destination members mapped with
	// TypeMap.MapFromParameter.
	ProjectionParameters map[string]interface{}

	// ExpansionMode defaults to ExpansionTagged.
	ExpansionMode ExpansionMode

	// Logger receives debug logs of the translated query. Defaults to slog.Default().
	Logger *slog.Logger

	// Observability records spans and metrics of every query. A nil value records
	// nothing.
	Observability *Observability
}

func (s *QuerySettings) withDefaults() QuerySettings {
	var out QuerySettings
	if s != nil {
		out = *s
	}
	if out.MaxExpansionDepth <= 0 {
		out.MaxExpansionDepth = DefaultMaxExpansionDepth
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Observability is an initialized tracing and metrics configuration.
type Observability = observability.Config

// ObservabilityConfig configures tracing and metrics for queries.
// All providers are optional; when nil, the corresponding feature is disabled with zero overhead.
type ObservabilityConfig struct {
	// TracerProvider provides the OpenTelemetry tracer for distributed tracing.
	// If nil, tracing is disabled.
	TracerProvider trace.TracerProvider

	// MeterProvider provides the OpenTelemetry meter for metrics collection.
	// If nil, metrics collection is disabled.
	MeterProvider metric.MeterProvider

	// ServiceName identifies this service in telemetry data.
	// Defaults to "odatamap" if not specified.
	ServiceName string

	// ServiceVersion is reported in telemetry attributes.
	ServiceVersion string

	// EnableServerTiming records the translation and materialization of each query
	// as Server-Timing metrics of the HTTP response.
	EnableServerTiming bool

	// Logger receives the observability setup logs.
	Logger *slog.Logger
}

// NewObservability initializes the tracer and meter described by cfg.
//
// Example:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	defer tp.Shutdown(ctx)
//
//	obs, err := odatamap.NewObservability(odatamap.ObservabilityConfig{
//	    TracerProvider: tp,
//	    ServiceName:    "buildings-api",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	settings := &odatamap.QuerySettings{Observability: obs}
func NewObservability(cfg ObservabilityConfig) (*Observability, error) {
	opts := []observability.Option{}

	if cfg.TracerProvider != nil {
		opts = append(opts, observability.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		opts = append(opts, observability.WithMeterProvider(cfg.MeterProvider))
	}
	if cfg.ServiceName != "" {
		opts = append(opts, observability.WithServiceName(cfg.ServiceName))
	}
	if cfg.ServiceVersion != "" {
		opts = append(opts, observability.WithServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Logger != nil {
		opts = append(opts, observability.WithLogger(cfg.Logger))
	}
	if cfg.EnableServerTiming {
		opts = append(opts, observability.WithServerTiming())
	}

	obsCfg := observability.NewConfig(opts...)
	if err := obsCfg.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	return obsCfg, nil
}
