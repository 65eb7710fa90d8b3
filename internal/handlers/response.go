package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Error messages written as the error message of OData error responses.
const (
	ErrMsgInvalidQueryOptions = "Invalid query options"
	ErrMsgAuthorizationFailed = "Authorization failed"
	ErrMsgDatabaseError       = "Database error"
	ErrMsgInternalError       = "Internal error"
	ErrMsgMethodNotAllowed    = "Method not allowed"
	ErrMsgUnmappedMember      = "Unmapped member"
	ErrMsgTypeMismatch        = "Type mismatch"
	ErrMsgInvalidExpansion    = "Invalid expansion"
	ErrMsgNotTranslatable     = "Not translatable"
)

// Response headers.
const (
	HeaderContentType  = "Content-Type"
	HeaderODataVersion = "OData-Version"
	HeaderQueryID      = "X-Query-ID"
	ContentTypeJSON    = "application/json;odata.metadata=minimal"
	ContentTypePlain   = "text/plain"
	ODataVersionValue  = "4.0"
	countAnnotation    = "@odata.count"
	valueProperty      = "value"
)

type odataErrorDetail struct {
	Message string `json:"message"`
}

type odataError struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Details []odataErrorDetail `json:"details,omitempty"`
}

type odataErrorResponse struct {
	Error odataError `json:"error"`
}

// writeError writes an OData error response.
func (h *CollectionHandler) writeError(w http.ResponseWriter, r *http.Request, status int, message, details string) {
	body := odataErrorResponse{Error: odataError{Code: strconv.Itoa(status), Message: message}}
	if details != "" {
		body.Error.Details = []odataErrorDetail{{Message: details}}
	}
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.Header().Set(HeaderODataVersion, ODataVersionValue)
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Error writing error response", "error", err)
	}
}

// writeCollection writes results as the value of a collection response, preceded by
// @odata.count when count is set.
func (h *CollectionHandler) writeCollection(w http.ResponseWriter, r *http.Request, results interface{}, count *int64) error {
	body := make(map[string]interface{}, 2)
	if count != nil {
		body[countAnnotation] = *count
	}
	if results == nil {
		results = []interface{}{}
	}
	body[valueProperty] = results

	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.Header().Set(HeaderODataVersion, ODataVersionValue)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// the status line is already written
		h.logger.Error("Error writing collection response", "error", err)
		return errRequestHandled
	}
	return nil
}
