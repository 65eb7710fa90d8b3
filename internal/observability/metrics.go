package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// Metric names.
const (
	MetricQueries       = "odatamap.queries"
	MetricQueryErrors   = "odatamap.query_errors"
	MetricQueryDuration = "odatamap.query.duration"
)

// AttrErrorKind classifies failed queries by error category.
const AttrErrorKind = attribute.Key("odatamap.error_kind")

var noopMetrics = mustMetrics(metricnoop.NewMeterProvider().Meter(instrumentationName))

// Metrics records query counts, failures and durations.
type Metrics struct {
	queries  metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(m metric.Meter) (*Metrics, error) {
	queries, err := m.Int64Counter(MetricQueries,
		metric.WithDescription("Number of projected queries"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	failures, err := m.Int64Counter(MetricQueryErrors,
		metric.WithDescription("Number of projected queries that failed"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram(MetricQueryDuration,
		metric.WithDescription("Duration of projected queries"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{queries: queries, errors: failures, duration: duration}, nil
}

func mustMetrics(m metric.Meter) *Metrics {
	metrics, err := newMetrics(m)
	if err != nil {
		panic(err)
	}
	return metrics
}

// RecordQuery records one query against destType that took elapsed and ended with err.
func (m *Metrics) RecordQuery(ctx context.Context, destType string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(AttrDestination.String(destType))
	m.queries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(AttrDestination.String(destType), AttrErrorKind.String(ErrorKind(err))))
	}
}

// ErrorKind names the category of err for metric attributes.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, queryerrors.ErrUnmappedMember):
		return "unmapped_member"
	case errors.Is(err, queryerrors.ErrExpansionPathConflict):
		return "expansion_path_conflict"
	case errors.Is(err, queryerrors.ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, queryerrors.ErrInvalidExpansion), errors.Is(err, queryerrors.ErrMaxExpansionDepth):
		return "invalid_expansion"
	case errors.Is(err, queryerrors.ErrInvalidQueryOption):
		return "invalid_query_option"
	case errors.Is(err, queryerrors.ErrNotTranslatable):
		return "not_translatable"
	case errors.Is(err, queryerrors.ErrNullReference):
		return "null_reference"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "data_source"
}
