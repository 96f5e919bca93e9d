package transport

import (
	"errors"
	"fmt"
)

// TransportError represents network failures and non-2xx responses including
// timeouts, connection resets and 5xx answers. Download attempts that fail
// with it are retried.
type TransportError struct {
	Operation  string // The operation that failed (e.g., "fetch", "upload")
	URL        string // Target of the request
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("transport error during %s: %s", e.Operation, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConflictError is returned by uploads the server rejected because its copy
// of the record diverged. Conflicts are resolved server-wins by the caller.
type ConflictError struct {
	Endpoint string // Endpoint that rejected the change
	Message  string // Server explanation, if any
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("conflict uploading to %s", e.Endpoint)
	}

	return fmt.Sprintf("conflict uploading to %s: %s", e.Endpoint, e.Message)
}

// IsConflict reports whether err carries a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError

	return errors.As(err, &ce)
}

// IsTransportError reports whether err carries a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError

	return errors.As(err, &te)
}
