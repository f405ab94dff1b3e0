package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrClientAlreadyExists = errors.New("client_already_exists")
	ErrClientNotFound      = errors.New("client_not_found")
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrTickerNotFound      = errors.New("ticker_not_found")
	ErrUnknownTransaction  = errors.New("unknown_transaction")
	ErrUnknownParticipant  = errors.New("unknown_participant")
	ErrQuoteUnavailable    = errors.New("quote_unavailable")
	ErrShuttingDown        = errors.New("shutting_down")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
