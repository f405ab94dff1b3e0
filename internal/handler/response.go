package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/efreitasn/stockmarket/internal/domain"
)

// timeFormat is used for every timestamp in responses.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Write error intentionally ignored in response helper
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// resultResponse carries an admission outcome.
type resultResponse struct {
	Code string `json:"code"`
}

// resultStatus maps admission outcomes to HTTP statuses.
var resultStatus = map[domain.ResultCode]int{
	domain.ResultSuccess:             http.StatusCreated,
	domain.ResultClientAlreadyExists: http.StatusConflict,
	domain.ResultUnknownClient:       http.StatusNotFound,
	domain.ResultUnknownTicker:       http.StatusNotFound,
	domain.ResultNotEnoughStock:      http.StatusConflict,
	domain.ResultExpiredOrder:        http.StatusUnprocessableEntity,
}

// WriteResult writes an admission outcome as {"code": ...}.
func WriteResult(w http.ResponseWriter, code domain.ResultCode) {
	status, ok := resultStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, resultResponse{Code: code.String()})
}

// writeServiceError maps service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrClientNotFound):
		WriteError(w, http.StatusNotFound, "client_not_found", err.Error())
	case errors.Is(err, domain.ErrTickerNotFound):
		WriteError(w, http.StatusNotFound, "ticker_not_found", err.Error())
	case errors.Is(err, domain.ErrQuoteUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "quote_unavailable", "The market price feed is unavailable")
	case errors.Is(err, domain.ErrShuttingDown):
		WriteError(w, http.StatusServiceUnavailable, "shutting_down", "The exchange is shutting down")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

// ParseJSON decodes the request body as JSON into v.
// It validates that the Content-Type header is application/json and
// returns an error for missing/incorrect content type or malformed JSON.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	return nil
}

// queryList collects a repeated query parameter, also accepting
// comma-separated values. Empty items are dropped.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
