package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Span names.
const (
	SpanGetQuery    = "odatamap.GetQuery"
	SpanMaterialize = "odatamap.Materialize"
	SpanCount       = "odatamap.Count"
)

// Attribute keys.
const (
	AttrQueryID     = attribute.Key("odatamap.query_id")
	AttrSource      = attribute.Key("odatamap.source_type")
	AttrDestination = attribute.Key("odatamap.destination_type")
	AttrService     = attribute.Key("service.name")
	AttrRows        = attribute.Key("odatamap.rows")
	AttrCount       = attribute.Key("odatamap.count")
	AttrPaths       = attribute.Key("odatamap.expansion_paths")
	AttrFiltered    = attribute.Key("odatamap.filtered")
)

var noopTracer = newTracer(tracenoop.NewTracerProvider().Tracer(instrumentationName), defaultServiceName)

// Tracer starts the spans of a projected query.
type Tracer struct {
	tracer  trace.Tracer
	service string
}

func newTracer(t trace.Tracer, service string) *Tracer {
	return &Tracer{tracer: t, service: service}
}

// StartQuery starts the span covering translation, materialization and projection.
func (t *Tracer) StartQuery(ctx context.Context, queryID, sourceType, destType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanGetQuery,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrService.String(t.service),
			AttrQueryID.String(queryID),
			AttrSource.String(sourceType),
			AttrDestination.String(destType),
		),
	)
}

// StartMaterialize starts the span of the data source round trip.
func (t *Tracer) StartMaterialize(ctx context.Context, queryID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanMaterialize,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrQueryID.String(queryID)),
	)
}

// StartCount starts the span of a $count round trip.
func (t *Tracer) StartCount(ctx context.Context, queryID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanCount,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrQueryID.String(queryID)),
	)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
