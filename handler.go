package odatamap

import (
	"context"
	"fmt"
	"reflect"

	"github.com/nlstn/go-odatamap/internal/handlers"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/scope"
	"github.com/nlstn/go-odatamap/internal/source"
	"gorm.io/gorm"
)

// CollectionHandler serves a projected collection over HTTP. GET and HEAD requests
// carry the pre-parsed clauses as JSON in the $query parameter, POST requests as the
// body; $top, $skip, $count and $select may also be given as plain parameters.
// Requests to <collection>/$count return the number of matching rows as text.
type CollectionHandler = handlers.CollectionHandler

// SourceFunc opens the queryable a request reads from.
type SourceFunc func(ctx context.Context) (Queryable, error)

// NewCollectionHandler returns a handler that projects the rows of TSrc, read through
// open, into TDest. The read hooks of TSrc are honored; the scopes returned by
// ODataBeforeReadCollection require a source that evaluates SQL, such as FromGorm.
func NewCollectionHandler[TSrc, TDest any](open SourceFunc, provider Provider, settings *QuerySettings) (*CollectionHandler, error) {
	if open == nil {
		return nil, fmt.Errorf("odatamap: nil source function")
	}
	if provider == nil {
		return nil, fmt.Errorf("odatamap: nil mapping provider")
	}
	s := settings.withDefaults()

	srcType := reflect.TypeOf((*TSrc)(nil)).Elem()
	meta, err := registryOf(provider).Entity(srcType)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", srcType, err)
	}

	scoped := func(ctx context.Context, scopes []scope.QueryScope) (Queryable, error) {
		src, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return source.ApplyScopes(src, scopes)
	}

	fetch := func(ctx context.Context, opts *query.QueryOptions, scopes []scope.QueryScope) (interface{}, error) {
		src, err := scoped(ctx, scopes)
		if err != nil {
			return nil, err
		}
		return Get[TDest](ctx, src, provider, opts, &s)
	}
	count := func(ctx context.Context, opts *query.QueryOptions, scopes []scope.QueryScope) (int64, error) {
		src, err := scoped(ctx, scopes)
		if err != nil {
			return 0, err
		}
		q, err := GetQuery[TDest](ctx, src, provider, opts, &s)
		if err != nil {
			return 0, err
		}
		return q.LongCount(ctx)
	}

	h := handlers.NewCollectionHandler(meta, fetch, count)
	h.SetLogger(s.Logger)
	return h, nil
}

// NewGormCollectionHandler is NewCollectionHandler over the table of TSrc in db. The
// dialect of db is checked with CheckDialect.
func NewGormCollectionHandler[TSrc, TDest any](db *gorm.DB, provider Provider, settings *QuerySettings) (*CollectionHandler, error) {
	s := settings.withDefaults()
	if err := CheckDialect(db, s.Logger); err != nil {
		return nil, err
	}
	registry := registryOf(provider)
	open := func(ctx context.Context) (Queryable, error) {
		return FromGorm[TSrc](db.WithContext(ctx), registry, s.Logger), nil
	}
	return NewCollectionHandler[TSrc, TDest](open, provider, &s)
}
