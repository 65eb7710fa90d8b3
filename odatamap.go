// Package odatamap projects OData query clauses written against view-model types onto
// queries over persistence types.
//
// Clients query a destination (view) type such as BuildingView while the data lives in a
// source (persistence) type such as Building. A mapping Configuration states how every
// destination member corresponds to a source member chain. GetQuery translates the
// pre-parsed $filter and $orderby/$top/$skip clauses into predicates over the source type
// so they run in the data source, loads the navigation members the projection reads,
// and applies the source-to-destination projection, including the nested $filter and
// $orderby clauses of $expand, once the rows are back.
//
//	cfg := odatamap.NewConfiguration(nil)
//	odatamap.CreateMap[Building, BuildingView](cfg).ForMember("Name", "LongName")
//	odatamap.CreateMap[Room, RoomView](cfg)
//
//	views, err := odatamap.Get[BuildingView](ctx, odatamap.FromGorm[Building](db), cfg, opts, nil)
//
// # Read Hooks
//
// Source entity types served through NewCollectionHandler can implement read hooks.
// They are discovered via reflection; there is no interface to implement.
//
//	func (b Building) ODataBeforeReadCollection(ctx context.Context, r *http.Request, opts *odatamap.QueryOptions) ([]odatamap.QueryScope, error)
//	func (b Building) ODataAfterReadCollection(ctx context.Context, r *http.Request, opts *odatamap.QueryOptions, results interface{}) (interface{}, error)
//
// ODataBeforeReadCollection returns QueryScope values, raw SQL conditions applied before
// the translated $filter. Use them for tenant and authorization filters. Returning an error
// rejects the request with 403 Forbidden. ODataAfterReadCollection receives the projected
// results and may return a replacement; returning nil keeps the results.
package odatamap

import (
	"context"

	"github.com/nlstn/go-odatamap/internal/observability"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/nlstn/go-odatamap/internal/scope"
)

// QueryOptions holds the pre-parsed clauses of a request.
type QueryOptions = query.QueryOptions

// ExpandOption is a single $expand clause with its nested options.
type ExpandOption = query.ExpandOption

// OrderByItem is a single $orderby key.
type OrderByItem = query.OrderByItem

// FilterExpression is a parsed $filter tree.
type FilterExpression = query.FilterExpression

// FilterOperator is the comparison or function of a FilterExpression leaf.
type FilterOperator = query.FilterOperator

// LogicalOperator combines the two sides of a logical FilterExpression.
type LogicalOperator = query.LogicalOperator

const (
	OpEqual              = query.OpEqual
	OpNotEqual           = query.OpNotEqual
	OpGreaterThan        = query.OpGreaterThan
	OpGreaterThanOrEqual = query.OpGreaterThanOrEqual
	OpLessThan           = query.OpLessThan
	OpLessThanOrEqual    = query.OpLessThanOrEqual
	OpIn                 = query.OpIn
	OpContains           = query.OpContains
	OpStartsWith         = query.OpStartsWith
	OpEndsWith           = query.OpEndsWith
	OpAny                = query.OpAny
	OpAll                = query.OpAll

	LogicalAnd = query.LogicalAnd
	LogicalOr  = query.LogicalOr
)

// QueryScope represents a SQL condition that can be added to a query.
// It carries a raw SQL predicate and its arguments for safe parameter binding.
//
// # Example
//
//	func (b Building) ODataBeforeReadCollection(ctx context.Context, r *http.Request, opts *odatamap.QueryOptions) ([]odatamap.QueryScope, error) {
//	    return []odatamap.QueryScope{
//	        {Condition: "tenant_id = ?", Args: []interface{}{tenantFromContext(ctx)}},
//	    }, nil
//	}
type QueryScope = scope.QueryScope

// Errors returned by query translation. Typed errors match these through errors.Is.
var (
	ErrUnmappedMember        = queryerrors.ErrUnmappedMember
	ErrExpansionPathConflict = queryerrors.ErrExpansionPathConflict
	ErrTypeMismatch          = queryerrors.ErrTypeMismatch
	ErrInvalidExpansion      = queryerrors.ErrInvalidExpansion
	ErrMaxExpansionDepth     = queryerrors.ErrMaxExpansionDepth
	ErrNotTranslatable       = queryerrors.ErrNotTranslatable
	ErrNullReference         = queryerrors.ErrNullReference
	ErrInvalidQueryOption    = queryerrors.ErrInvalidQueryOption
)

type (
	// UnmappedMemberError names a destination member without a source correspondence.
	UnmappedMemberError = queryerrors.UnmappedMemberError
	// TypeMismatchError reports a source member that cannot be converted to its
	// destination member type.
	TypeMismatchError = queryerrors.TypeMismatchError
	// ExpansionPathConflictError reports an expansion path list the sequential
	// projection visitors cannot process.
	ExpansionPathConflictError = queryerrors.ExpansionPathConflictError
)

// ServerTimingMetric represents a Server-Timing metric that tracks the duration
// of an operation for the Server-Timing HTTP response header.
// Use StartServerTiming or StartServerTimingWithDesc to create metrics.
type ServerTimingMetric = observability.ServerTimingMetric

// StartServerTiming starts a Server-Timing metric with the given name.
// The metric tracks the duration until Stop() is called, and appears in
// the Server-Timing HTTP response header when the request passed through the
// go-server-timing middleware.
//
// If the context doesn't contain timing info, a no-op metric is returned that is
// safe to call Stop() on.
//
// Example:
//
//	func myHandler(ctx context.Context) {
//	    metric := odatamap.StartServerTiming(ctx, "db-query")
//	    defer metric.Stop()
//	    // perform database operation
//	}
func StartServerTiming(ctx context.Context, name string) *ServerTimingMetric {
	return observability.StartServerTiming(ctx, name)
}

// StartServerTimingWithDesc starts a Server-Timing metric with a name and description.
// The description provides additional context in browser developer tools.
func StartServerTimingWithDesc(ctx context.Context, name, description string) *ServerTimingMetric {
	return observability.StartServerTimingWithDesc(ctx, name, description)
}
