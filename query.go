package odatamap

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/nlstn/go-odatamap/internal/expansion"
	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/handlers"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/observability"
	"github.com/nlstn/go-odatamap/internal/projection"
	"github.com/nlstn/go-odatamap/internal/source"
	"github.com/nlstn/go-odatamap/internal/translate"
)

// projections caches compiled projections across queries.
var projections = expr.NewCache()

// Query is a translated query over a source that yields TDest values. It is built by
// GetQuery and can be materialized any number of times.
type Query[TDest any] struct {
	id         string
	source     source.Queryable
	filtered   source.Queryable
	projection *expr.Lambda
	project    expr.Func
	paths      []expansion.Path
	settings   QuerySettings
}

// GetQuery translates opts, written against TDest, into a query over src.
//
// The $filter and $orderby/$top/$skip clauses are rewritten over the source type and
// applied to src. The expansion paths of $expand and $select are built, the navigation
// members read by the projection are included, and the projection produced by provider
// is rewritten with the nested clauses of the expanded members. Every translation
// error is returned here, before the data source is queried.
func GetQuery[TDest any](ctx context.Context, src Queryable, provider Provider, opts *QueryOptions, settings *QuerySettings) (*Query[TDest], error) {
	if src == nil {
		return nil, fmt.Errorf("odatamap: nil source")
	}
	if provider == nil {
		return nil, fmt.Errorf("odatamap: nil mapping provider")
	}
	if opts == nil {
		opts = &QueryOptions{}
	}
	s := settings.withDefaults()
	ctx, queryID := handlers.EnsureQueryID(ctx)

	sourceType := src.ElementType()
	destType := reflect.TypeOf((*TDest)(nil)).Elem()

	ctx, span := s.Observability.Tracer().StartQuery(ctx, queryID, sourceType.String(), destType.String())
	defer span.End()
	timing := observability.StartServerTimingWithDesc(ctx, "translate", "OData query translation")
	defer timing.Stop()

	logger := s.Logger.With("query_id", queryID, "source", sourceType.String(), "destination", destType.String())

	q, err := buildQuery[TDest](src, provider, opts, s, sourceType, destType, logger)
	if err != nil {
		observability.RecordError(span, err)
		logger.Debug("Query translation failed", "error", err)
		return nil, err
	}
	q.id = queryID
	span.SetAttributes(
		observability.AttrPaths.Int(len(q.paths)),
		observability.AttrFiltered.Bool(opts.Filter != nil),
	)
	return q, nil
}

func buildQuery[TDest any](src Queryable, provider Provider, opts *QueryOptions, s QuerySettings, sourceType, destType reflect.Type, logger *slog.Logger) (*Query[TDest], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	predicate, err := translate.TranslateFilter(opts.Filter, sourceType, destType, provider, s.NullPropagation)
	if err != nil {
		return nil, fmt.Errorf("$filter: %w", err)
	}
	filtered := src
	if predicate != nil {
		logger.Debug("Translated filter", "predicate", expr.String(predicate))
		if filtered, err = src.Where(predicate); err != nil {
			return nil, fmt.Errorf("$filter: %w", err)
		}
	}

	ordering, err := translate.TranslateOrdering(opts.OrderBy, opts.Skip, opts.Top, sourceType, destType, provider, s.NullPropagation)
	if err != nil {
		return nil, fmt.Errorf("$orderby: %w", err)
	}
	ordered, err := ordering.Apply(filtered)
	if err != nil {
		return nil, fmt.Errorf("$orderby: %w", err)
	}

	builder := expansion.NewBuilder(provider, expansion.Config{
		MaxDepth: s.MaxExpansionDepth,
		Strict:   s.ExpansionMode == ExpansionSequential,
	})
	builder.SetLogger(logger)
	paths, err := builder.Build(opts.Expand, opts.Select, sourceType, destType)
	if err != nil {
		return nil, fmt.Errorf("$expand: %w", err)
	}
	if len(paths) > 0 {
		logger.Debug("Built expansion paths", "paths", pathStrings(paths))
	}

	lambda, err := provider.Projection(sourceType, destType, expansion.Request(paths, opts.Select), s.ProjectionParameters)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	if lambda, err = applyVisitors(lambda, paths, s); err != nil {
		return nil, fmt.Errorf("$expand: %w", err)
	}
	logger.Debug("Rewrote projection", "projection", expr.String(lambda), "mode", s.ExpansionMode.String())

	includes := source.Includes(lambda, registryOf(provider))
	if len(includes) > 0 {
		if ordered, err = ordered.Include(includes...); err != nil {
			return nil, fmt.Errorf("include: %w", err)
		}
		logger.Debug("Including navigation members", "includes", includes)
	}

	fn, err := projections.Compile(lambda)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}

	return &Query[TDest]{
		source:     ordered,
		filtered:   filtered,
		projection: lambda,
		project:    fn,
		paths:      paths,
		settings:   s,
	}, nil
}

// applyVisitors splices the nested $filter and $orderby/$top/$skip clauses of the
// expansion paths into lambda.
func applyVisitors(lambda *expr.Lambda, paths []expansion.Path, s QuerySettings) (*expr.Lambda, error) {
	if s.ExpansionMode != ExpansionSequential {
		return projection.UpdateTagged(lambda, paths, s.NullPropagation)
	}

	var filter, query bool
	for _, p := range paths {
		t := p.Terminal()
		filter = filter || t.HasFilter()
		query = query || t.HasQuery()
	}
	var err error
	if filter {
		if lambda, err = projection.NewFilterUpdater(s.NullPropagation).Update(lambda, paths); err != nil {
			return nil, err
		}
	}
	if query {
		if lambda, err = projection.NewOrderByUpdater(s.NullPropagation).Update(lambda, paths); err != nil {
			return nil, err
		}
	}
	return lambda, nil
}

func registryOf(provider Provider) *metadata.Registry {
	if r, ok := provider.(interface{ Registry() *metadata.Registry }); ok && r.Registry() != nil {
		return r.Registry()
	}
	return metadata.Default()
}

func pathStrings(paths []expansion.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	return out
}

// ID returns the correlation id of the query.
func (q *Query[TDest]) ID() string { return q.id }

// Projection returns the rewritten projection as text, for diagnostics.
func (q *Query[TDest]) Projection() string { return expr.String(q.projection) }

// Paths returns the expansion paths as slash separated member paths.
func (q *Query[TDest]) Paths() []string { return pathStrings(q.paths) }

// ToList runs the query and projects every row.
func (q *Query[TDest]) ToList(ctx context.Context) ([]TDest, error) {
	ctx, span := q.settings.Observability.Tracer().StartMaterialize(ctx, q.id)
	defer span.End()

	timing := observability.StartServerTimingWithDesc(ctx, "materialize", "Data source round trip")
	rows, err := q.source.ToList(ctx)
	timing.Stop()
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("materialize %s: %w", q.source.ElementType(), err)
	}

	timing = observability.StartServerTimingWithDesc(ctx, "projection", "Projection to view models")
	defer timing.Stop()

	out := make([]TDest, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		v, err := q.project(rows.Index(i))
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("project row %d: %w", i, err)
		}
		item, err := asDest[TDest](v)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		out = append(out, item)
	}
	span.SetAttributes(observability.AttrRows.Int(len(out)))
	return out, nil
}

// LongCount returns the number of rows matching $filter, ignoring $top and $skip.
func (q *Query[TDest]) LongCount(ctx context.Context) (int64, error) {
	ctx, span := q.settings.Observability.Tracer().StartCount(ctx, q.id)
	defer span.End()

	timing := observability.StartServerTimingWithDesc(ctx, "count", "Collection count")
	defer timing.Stop()

	n, err := q.filtered.LongCount(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return 0, fmt.Errorf("count %s: %w", q.filtered.ElementType(), err)
	}
	span.SetAttributes(observability.AttrCount.Int64(n))
	return n, nil
}

func asDest[TDest any](v reflect.Value) (TDest, error) {
	var zero TDest
	want := reflect.TypeOf((*TDest)(nil)).Elem()
	if want.Kind() == reflect.Ptr && v.Type() == want.Elem() {
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		v = p
	}
	item, ok := v.Interface().(TDest)
	if !ok {
		return zero, fmt.Errorf("projection produced %s, expected %s", v.Type(), want)
	}
	return item, nil
}

// Get translates opts and returns the projected results.
func Get[TDest any](ctx context.Context, src Queryable, provider Provider, opts *QueryOptions, settings *QuerySettings) ([]TDest, error) {
	items, _, err := get[TDest](ctx, src, provider, opts, settings, false)
	return items, err
}

// GetWithCount is Get that also returns the total number of matching rows when
// opts.Count is set. The count is nil otherwise.
func GetWithCount[TDest any](ctx context.Context, src Queryable, provider Provider, opts *QueryOptions, settings *QuerySettings) ([]TDest, *int64, error) {
	return get[TDest](ctx, src, provider, opts, settings, opts != nil && opts.Count)
}

func get[TDest any](ctx context.Context, src Queryable, provider Provider, opts *QueryOptions, settings *QuerySettings, withCount bool) (items []TDest, count *int64, err error) {
	start := time.Now()
	ctx, _ = handlers.EnsureQueryID(ctx)
	defer func() {
		var obs *Observability
		if settings != nil {
			obs = settings.Observability
		}
		obs.Metrics().RecordQuery(ctx, reflect.TypeOf((*TDest)(nil)).Elem().String(), time.Since(start), err)
	}()

	q, err := GetQuery[TDest](ctx, src, provider, opts, settings)
	if err != nil {
		return nil, nil, err
	}
	if withCount {
		n, err := q.LongCount(ctx)
		if err != nil {
			return nil, nil, err
		}
		count = &n
	}
	items, err = q.ToList(ctx)
	if err != nil {
		return nil, nil, err
	}
	return items, count, nil
}

// Future is the pending result of GetAsync.
type Future[TDest any] struct {
	done  chan struct{}
	items []TDest
	count *int64
	err   error
}

// GetAsync starts GetWithCount in a new goroutine. Translation and materialization
// observe ctx; cancelling it abandons the data source round trip.
func GetAsync[TDest any](ctx context.Context, src Queryable, provider Provider, opts *QueryOptions, settings *QuerySettings) *Future[TDest] {
	f := &Future[TDest]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.items, f.count, f.err = GetWithCount[TDest](ctx, src, provider, opts, settings)
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future[TDest]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx is done.
func (f *Future[TDest]) Wait(ctx context.Context) ([]TDest, error) {
	items, _, err := f.WaitWithCount(ctx)
	return items, err
}

// WaitWithCount is Wait that also returns the count requested by $count.
func (f *Future[TDest]) WaitWithCount(ctx context.Context) ([]TDest, *int64, error) {
	select {
	case <-f.done:
		return f.items, f.count, f.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
