package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/nlstn/go-odatamap/internal/scope"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Message string `json:"message"`
		} `json:"details"`
	} `json:"error"`
}

func decodeODataError(t *testing.T, recorder *httptest.ResponseRecorder) errorBody {
	t.Helper()

	var resp errorBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	return resp
}

func newTestHandler() *CollectionHandler {
	return NewCollectionHandler(nil, nil, nil)
}

func TestExecuteCollectionQueryErrors(t *testing.T) {
	handler := newTestHandler()

	t.Run("errRequestHandled", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

		handler.executeCollectionQuery(recorder, request, &collectionExecutionContext{
			ParseQueryOptions: func() (*query.QueryOptions, error) {
				return nil, errRequestHandled
			},
			FetchFunc: func(*query.QueryOptions, []scope.QueryScope) (interface{}, error) {
				t.Fatal("FetchFunc should not be called")
				return nil, nil
			},
			WriteResponse: func(*query.QueryOptions, interface{}, *int64) error {
				t.Fatal("WriteResponse should not be called")
				return nil
			},
		})

		if recorder.Body.Len() != 0 {
			t.Fatalf("expected empty response body, got %q", recorder.Body.String())
		}
		if len(recorder.Header()) != 0 {
			t.Fatalf("expected no headers, got %v", recorder.Header())
		}
	})

	t.Run("collectionRequestError", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

		handler.executeCollectionQuery(recorder, request, &collectionExecutionContext{
			ParseQueryOptions: func() (*query.QueryOptions, error) {
				return nil, &collectionRequestError{StatusCode: http.StatusConflict, Message: "conflicting options"}
			},
			FetchFunc: func(*query.QueryOptions, []scope.QueryScope) (interface{}, error) {
				t.Fatal("FetchFunc should not be called")
				return nil, nil
			},
			WriteResponse: func(*query.QueryOptions, interface{}, *int64) error {
				t.Fatal("WriteResponse should not be called")
				return nil
			},
		})

		if recorder.Code != http.StatusConflict {
			t.Fatalf("expected status %d, got %d", http.StatusConflict, recorder.Code)
		}
		resp := decodeODataError(t, recorder)
		if resp.Error.Code != "409" {
			t.Fatalf("expected code 409, got %q", resp.Error.Code)
		}
		if resp.Error.Message != ErrMsgInvalidQueryOptions {
			t.Fatalf("expected default message %q, got %q", ErrMsgInvalidQueryOptions, resp.Error.Message)
		}
		if len(resp.Error.Details) != 1 || resp.Error.Details[0].Message != "conflicting options" {
			t.Fatalf("unexpected details %#v", resp.Error.Details)
		}
	})

	t.Run("BeforeRead error is forbidden", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

		handler.executeCollectionQuery(recorder, request, &collectionExecutionContext{
			ParseQueryOptions: func() (*query.QueryOptions, error) { return &query.QueryOptions{}, nil },
			BeforeRead: func(*query.QueryOptions) ([]scope.QueryScope, error) {
				return nil, errors.New("denied")
			},
			FetchFunc: func(*query.QueryOptions, []scope.QueryScope) (interface{}, error) {
				t.Fatal("FetchFunc should not be called")
				return nil, nil
			},
			WriteResponse: func(*query.QueryOptions, interface{}, *int64) error { return nil },
		})

		if recorder.Code != http.StatusForbidden {
			t.Fatalf("expected status %d, got %d", http.StatusForbidden, recorder.Code)
		}
		if resp := decodeODataError(t, recorder); resp.Error.Message != ErrMsgAuthorizationFailed {
			t.Fatalf("expected message %q, got %q", ErrMsgAuthorizationFailed, resp.Error.Message)
		}
	})

	t.Run("Fetch error is a database error", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

		handler.executeCollectionQuery(recorder, request, &collectionExecutionContext{
			ParseQueryOptions: func() (*query.QueryOptions, error) { return &query.QueryOptions{}, nil },
			FetchFunc: func(*query.QueryOptions, []scope.QueryScope) (interface{}, error) {
				return nil, errors.New("connection refused")
			},
			WriteResponse: func(*query.QueryOptions, interface{}, *int64) error {
				t.Fatal("WriteResponse should not be called")
				return nil
			},
		})

		if recorder.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, recorder.Code)
		}
		if resp := decodeODataError(t, recorder); resp.Error.Message != ErrMsgDatabaseError {
			t.Fatalf("expected message %q, got %q", ErrMsgDatabaseError, resp.Error.Message)
		}
	})

	t.Run("Count error stops the pipeline", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

		handler.executeCollectionQuery(recorder, request, &collectionExecutionContext{
			ParseQueryOptions: func() (*query.QueryOptions, error) { return &query.QueryOptions{Count: true}, nil },
			CountFunc: func(*query.QueryOptions, []scope.QueryScope) (*int64, error) {
				return nil, errors.New("count failed")
			},
			FetchFunc: func(*query.QueryOptions, []scope.QueryScope) (interface{}, error) {
				t.Fatal("FetchFunc should not be called")
				return nil, nil
			},
			WriteResponse: func(*query.QueryOptions, interface{}, *int64) error { return nil },
		})

		if recorder.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, recorder.Code)
		}
	})
}

func TestTranslationErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"unmapped", &queryerrors.UnmappedMemberError{Member: "Owner"}, http.StatusBadRequest, ErrMsgUnmappedMember},
		{"type mismatch", fmt.Errorf("bind: %w", queryerrors.ErrTypeMismatch), http.StatusBadRequest, ErrMsgTypeMismatch},
		{"conflict", &queryerrors.ExpansionPathConflictError{Path: "Rooms", Reason: "only the last expansion may carry a filter clause"}, http.StatusBadRequest, ErrMsgInvalidExpansion},
		{"depth", fmt.Errorf("expand: %w", queryerrors.ErrMaxExpansionDepth), http.StatusBadRequest, ErrMsgInvalidExpansion},
		{"invalid option", queryerrors.InvalidQueryOption("$top must not be negative"), http.StatusBadRequest, ErrMsgInvalidQueryOptions},
		{"not translatable", queryerrors.NotTranslatable("substringof"), http.StatusNotImplemented, ErrMsgNotTranslatable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

			newTestHandler().executeCollectionQuery(recorder, request, &collectionExecutionContext{
				ParseQueryOptions: func() (*query.QueryOptions, error) { return &query.QueryOptions{}, nil },
				FetchFunc: func(*query.QueryOptions, []scope.QueryScope) (interface{}, error) {
					return nil, tt.err
				},
				WriteResponse: func(*query.QueryOptions, interface{}, *int64) error { return nil },
			})

			if recorder.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, recorder.Code)
			}
			if resp := decodeODataError(t, recorder); resp.Error.Message != tt.message {
				t.Fatalf("expected message %q, got %q", tt.message, resp.Error.Message)
			}
		})
	}

	if _, _, ok := translationErrorStatus(errors.New("boom")); ok {
		t.Fatal("expected plain errors to fall through")
	}
}

func TestExecuteCollectionQueryHappyPath(t *testing.T) {
	handler := newTestHandler()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

	var order []string
	handler.executeCollectionQuery(recorder, request, &collectionExecutionContext{
		ParseQueryOptions: func() (*query.QueryOptions, error) {
			order = append(order, "parse")
			return &query.QueryOptions{Count: true}, nil
		},
		BeforeRead: func(*query.QueryOptions) ([]scope.QueryScope, error) {
			order = append(order, "before")
			return []scope.QueryScope{{Condition: "tenant = ?", Args: []interface{}{"a"}}}, nil
		},
		CountFunc: func(_ *query.QueryOptions, scopes []scope.QueryScope) (*int64, error) {
			order = append(order, "count")
			if len(scopes) != 1 {
				t.Fatalf("expected scopes to reach CountFunc, got %v", scopes)
			}
			n := int64(2)
			return &n, nil
		},
		FetchFunc: func(_ *query.QueryOptions, scopes []scope.QueryScope) (interface{}, error) {
			order = append(order, "fetch")
			if len(scopes) != 1 {
				t.Fatalf("expected scopes to reach FetchFunc, got %v", scopes)
			}
			return []string{"a", "b"}, nil
		},
		AfterRead: func(*query.QueryOptions, interface{}) (interface{}, bool, error) {
			order = append(order, "after")
			return nil, false, nil
		},
		WriteResponse: func(_ *query.QueryOptions, results interface{}, count *int64) error {
			order = append(order, "write")
			if count == nil || *count != 2 {
				t.Fatalf("expected count 2, got %v", count)
			}
			return handler.writeCollection(recorder, request, results, count)
		},
	})

	want := []string{"parse", "before", "count", "fetch", "after", "write"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("expected phases %v, got %v", want, order)
	}
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if got := recorder.Header().Get(HeaderODataVersion); got != ODataVersionValue {
		t.Fatalf("expected OData-Version %q, got %q", ODataVersionValue, got)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload["@odata.count"] != float64(2) {
		t.Fatalf("expected @odata.count 2, got %v", payload["@odata.count"])
	}
	if values, ok := payload["value"].([]interface{}); !ok || len(values) != 2 {
		t.Fatalf("expected two values, got %v", payload["value"])
	}
}

func TestExecuteCollectionQuery_MissingCallbacks(t *testing.T) {
	handler := newTestHandler()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

	handler.executeCollectionQuery(recorder, request, &collectionExecutionContext{})

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", recorder.Code)
	}
	if resp := decodeODataError(t, recorder); resp.Error.Message != ErrMsgInternalError {
		t.Fatalf("expected message %q, got %q", ErrMsgInternalError, resp.Error.Message)
	}
}

func TestWriteCollectionEmptyResults(t *testing.T) {
	handler := newTestHandler()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/Buildings", nil)

	if err := handler.writeCollection(recorder, request, nil, nil); err != nil {
		t.Fatalf("writeCollection: %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if _, ok := payload["@odata.count"]; ok {
		t.Fatal("expected no count annotation")
	}
	if values, ok := payload["value"].([]interface{}); !ok || len(values) != 0 {
		t.Fatalf("expected empty value array, got %v", payload["value"])
	}
}
