// Package handlers serves projected collection queries over HTTP.
//
// A CollectionHandler runs the read pipeline of the service: parse the pre-parsed
// query clauses of the request, run the ODataBeforeReadCollection hook of the source
// entity, count, fetch, run ODataAfterReadCollection and write the OData JSON
// response. Fetching and counting are supplied by the caller.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/scope"
)

// FetchFunc returns the projected results of opts restricted by scopes.
type FetchFunc func(ctx context.Context, opts *query.QueryOptions, scopes []scope.QueryScope) (interface{}, error)

// CountFunc returns the number of results of opts restricted by scopes, ignoring
// $top and $skip.
type CountFunc func(ctx context.Context, opts *query.QueryOptions, scopes []scope.QueryScope) (int64, error)

// CollectionHandler handles collection requests for one source entity.
type CollectionHandler struct {
	metadata *metadata.EntityMetadata
	fetch    FetchFunc
	count    CountFunc
	logger   *slog.Logger
}

// NewCollectionHandler returns a handler that reads through fetch and count. meta
// describes the source entity whose read hooks are honored; it may be nil.
func NewCollectionHandler(meta *metadata.EntityMetadata, fetch FetchFunc, count CountFunc) *CollectionHandler {
	return &CollectionHandler{
		metadata: meta,
		fetch:    fetch,
		count:    count,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the handler.
func (h *CollectionHandler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// ServeHTTP routes /$count requests to HandleCount and everything else to
// HandleCollection.
func (h *CollectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/$count") {
		h.HandleCount(w, r)
		return
	}
	h.HandleCollection(w, r)
}

// HandleCollection handles GET, HEAD, POST, and OPTIONS requests for the collection.
// POST carries the query clauses as a JSON body instead of the $query parameter.
func (h *CollectionHandler) HandleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
		h.handleGetCollection(w, r)
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
	default:
		h.writeError(w, r, http.StatusMethodNotAllowed, ErrMsgMethodNotAllowed,
			fmt.Sprintf("Method %s is not supported for entity collections", r.Method))
	}
}

func (h *CollectionHandler) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ctx, queryID := EnsureQueryID(r.Context())
	r = r.WithContext(ctx)
	w.Header().Set(HeaderQueryID, queryID)

	h.executeCollectionQuery(w, r, &collectionExecutionContext{
		ParseQueryOptions: func() (*query.QueryOptions, error) {
			return parseQueryOptions(r)
		},
		BeforeRead: func(opts *query.QueryOptions) ([]scope.QueryScope, error) {
			return callBeforeReadCollection(h.metadata, r, opts)
		},
		CountFunc: func(opts *query.QueryOptions, scopes []scope.QueryScope) (*int64, error) {
			if !opts.Count || h.count == nil {
				return nil, nil
			}
			n, err := h.count(ctx, opts, scopes)
			if err != nil {
				return nil, err
			}
			return &n, nil
		},
		FetchFunc: func(opts *query.QueryOptions, scopes []scope.QueryScope) (interface{}, error) {
			return h.fetch(ctx, opts, scopes)
		},
		AfterRead: func(opts *query.QueryOptions, results interface{}) (interface{}, bool, error) {
			return callAfterReadCollection(h.metadata, r, opts, results)
		},
		WriteResponse: func(_ *query.QueryOptions, results interface{}, count *int64) error {
			return h.writeCollection(w, r, results, count)
		},
	})
}

// HandleCount handles GET, HEAD, and OPTIONS requests for the collection count (e.g., /Buildings/$count)
func (h *CollectionHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.handleGetCount(w, r)
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		w.WriteHeader(http.StatusOK)
	default:
		h.writeError(w, r, http.StatusMethodNotAllowed, ErrMsgMethodNotAllowed,
			fmt.Sprintf("Method %s is not supported for $count", r.Method))
	}
}

func (h *CollectionHandler) handleGetCount(w http.ResponseWriter, r *http.Request) {
	if h.count == nil {
		h.writeError(w, r, http.StatusNotImplemented, ErrMsgInternalError, "counting is not configured for this collection")
		return
	}
	ctx, queryID := EnsureQueryID(r.Context())
	r = r.WithContext(ctx)
	w.Header().Set(HeaderQueryID, queryID)

	queryOptions, err := parseQueryOptions(r)
	if !h.handleCollectionError(w, r, err, http.StatusBadRequest, ErrMsgInvalidQueryOptions) {
		return
	}

	scopes, err := callBeforeReadCollection(h.metadata, r, queryOptions)
	if !h.handleCollectionError(w, r, err, http.StatusForbidden, ErrMsgAuthorizationFailed) {
		return
	}

	count, err := h.count(ctx, queryOptions, scopes)
	if !h.handleCollectionError(w, r, err, http.StatusInternalServerError, ErrMsgDatabaseError) {
		return
	}

	w.Header().Set(HeaderContentType, ContentTypePlain)
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	if _, writeErr := fmt.Fprintf(w, "%d", count); writeErr != nil {
		h.logger.Error("Error writing count response", "error", writeErr)
	}
}
