package handlers

import (
	"errors"
	"net/http"

	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/nlstn/go-odatamap/internal/scope"
)

// errRequestHandled is used to signal that the request has already been handled
// and no further processing should occur.
var errRequestHandled = errors.New("request already handled")

// collectionRequestError represents an error that should be returned to the client
// with a specific HTTP status code and error message.
type collectionRequestError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *collectionRequestError) Error() string {
	return e.Message
}

// collectionExecutionContext provides the phases of a collection query pipeline:
// parsing the clauses, running read hooks, counting, fetching and writing the
// response.
type collectionExecutionContext struct {
	ParseQueryOptions func() (*query.QueryOptions, error)
	BeforeRead        func(*query.QueryOptions) ([]scope.QueryScope, error)
	CountFunc         func(*query.QueryOptions, []scope.QueryScope) (*int64, error)
	FetchFunc         func(*query.QueryOptions, []scope.QueryScope) (interface{}, error)
	AfterRead         func(*query.QueryOptions, interface{}) (interface{}, bool, error)
	WriteResponse     func(*query.QueryOptions, interface{}, *int64) error
}

func (h *CollectionHandler) executeCollectionQuery(w http.ResponseWriter, r *http.Request, ctx *collectionExecutionContext) {
	if ctx == nil || ctx.ParseQueryOptions == nil || ctx.FetchFunc == nil || ctx.WriteResponse == nil {
		h.logger.Error("executeCollectionQuery: missing required callbacks - this is a programming error")
		h.writeError(w, r, http.StatusInternalServerError, ErrMsgInternalError, "executeCollectionQuery requires ParseQueryOptions, FetchFunc, and WriteResponse callbacks")
		return
	}

	queryOptions, err := ctx.ParseQueryOptions()
	if !h.handleCollectionError(w, r, err, http.StatusBadRequest, ErrMsgInvalidQueryOptions) {
		return
	}

	var scopes []scope.QueryScope
	if ctx.BeforeRead != nil {
		scopes, err = ctx.BeforeRead(queryOptions)
		if !h.handleCollectionError(w, r, err, http.StatusForbidden, ErrMsgAuthorizationFailed) {
			return
		}
	}

	var totalCount *int64
	if ctx.CountFunc != nil {
		totalCount, err = ctx.CountFunc(queryOptions, scopes)
		if !h.handleCollectionError(w, r, err, http.StatusInternalServerError, ErrMsgDatabaseError) {
			return
		}
	}

	results, err := ctx.FetchFunc(queryOptions, scopes)
	if !h.handleCollectionError(w, r, err, http.StatusInternalServerError, ErrMsgDatabaseError) {
		return
	}

	if ctx.AfterRead != nil {
		if override, hasOverride, hookErr := ctx.AfterRead(queryOptions, results); !h.handleCollectionError(w, r, hookErr, http.StatusForbidden, ErrMsgAuthorizationFailed) {
			return
		} else if hasOverride {
			results = override
		}
	}

	h.handleCollectionError(w, r, ctx.WriteResponse(queryOptions, results, totalCount), http.StatusInternalServerError, ErrMsgInternalError)
}

func (h *CollectionHandler) handleCollectionError(w http.ResponseWriter, r *http.Request, err error, defaultStatus int, defaultCode string) bool {
	if err == nil {
		return true
	}

	if errors.Is(err, errRequestHandled) {
		return false
	}

	var reqErr *collectionRequestError
	if errors.As(err, &reqErr) {
		status := reqErr.StatusCode
		if status == 0 {
			status = defaultStatus
		}

		code := reqErr.ErrorCode
		if code == "" {
			code = defaultCode
		}

		h.writeError(w, r, status, code, reqErr.Message)
		return false
	}

	if status, code, ok := translationErrorStatus(err); ok {
		h.writeError(w, r, status, code, err.Error())
		return false
	}

	h.writeError(w, r, defaultStatus, defaultCode, err.Error())
	return false
}

// translationErrorStatus maps the query translation errors to client errors. They
// are raised before the data source is queried, so the request is at fault.
func translationErrorStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, queryerrors.ErrUnmappedMember):
		return http.StatusBadRequest, ErrMsgUnmappedMember, true
	case errors.Is(err, queryerrors.ErrTypeMismatch):
		return http.StatusBadRequest, ErrMsgTypeMismatch, true
	case errors.Is(err, queryerrors.ErrExpansionPathConflict),
		errors.Is(err, queryerrors.ErrInvalidExpansion),
		errors.Is(err, queryerrors.ErrMaxExpansionDepth):
		return http.StatusBadRequest, ErrMsgInvalidExpansion, true
	case errors.Is(err, queryerrors.ErrInvalidQueryOption):
		return http.StatusBadRequest, ErrMsgInvalidQueryOptions, true
	case errors.Is(err, queryerrors.ErrNotTranslatable):
		return http.StatusNotImplemented, ErrMsgNotTranslatable, true
	}
	return 0, "", false
}
