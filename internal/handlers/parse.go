package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nlstn/go-odatamap/internal/query"
)

// QueryParameter carries the JSON encoded QueryOptions on GET requests.
const QueryParameter = "$query"

const maxQueryBodyBytes = 1 << 20

// parseQueryOptions reads the pre-parsed clauses of r. The clauses arrive as JSON,
// in the $query parameter or as a POST body. The scalar options $top, $skip, $count
// and $select may also be given as plain parameters and override the JSON.
func parseQueryOptions(r *http.Request) (*query.QueryOptions, error) {
	opts := &query.QueryOptions{}

	switch {
	case r.Method == http.MethodPost:
		body := http.MaxBytesReader(nil, r.Body, maxQueryBodyBytes)
		dec := json.NewDecoder(body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(opts); err != nil && !errors.Is(err, io.EOF) {
			return nil, badRequest("invalid query body: %v", err)
		}
	default:
		if raw := r.URL.Query().Get(QueryParameter); raw != "" {
			dec := json.NewDecoder(strings.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(opts); err != nil {
				return nil, badRequest("invalid %s parameter: %v", QueryParameter, err)
			}
		}
	}

	params := r.URL.Query()
	if v := params.Get("$top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, badRequest("invalid $top value %q", v)
		}
		opts.Top = &n
	}
	if v := params.Get("$skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, badRequest("invalid $skip value %q", v)
		}
		opts.Skip = &n
	}
	if v := params.Get("$count"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, badRequest("invalid $count value %q", v)
		}
		opts.Count = b
	}
	if v := params.Get("$select"); v != "" {
		opts.Select = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				opts.Select = append(opts.Select, s)
			}
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func badRequest(format string, args ...interface{}) error {
	return &collectionRequestError{
		StatusCode: http.StatusBadRequest,
		ErrorCode:  ErrMsgInvalidQueryOptions,
		Message:    fmt.Sprintf(format, args...),
	}
}
