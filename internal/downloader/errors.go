package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown download ids.
	ErrNotFound = errors.New("download not found")
	// ErrInvalidResource is returned by Enqueue for resources without id or url.
	ErrInvalidResource = errors.New("resource must have an id and a url")
	// ErrResourceBusy is returned when re-queuing a failed item whose resource
	// already has another active download.
	ErrResourceBusy = errors.New("resource already has an active download")
	// ErrNotCompleted is returned by OpenFile for items without a payload.
	ErrNotCompleted = errors.New("download not completed")
	// ErrNotStarted is returned by operations that need a running orchestrator.
	ErrNotStarted = errors.New("orchestrator not started")
)

// CancelledError is the cause attached to an aborted attempt. It is never
// reported as a failure and never counts as a retry.
type CancelledError struct {
	Reason string // "paused", "cancelled", "offline", "shutdown"
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("download %s", e.Reason)
}

var (
	errPaused    = &CancelledError{Reason: "paused"}
	errCancelled = &CancelledError{Reason: "cancelled"}
	errOffline   = &CancelledError{Reason: "offline"}
	errShutdown  = &CancelledError{Reason: "shutdown"}
)

// IsCancelled reports whether err carries a *CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError

	return errors.As(err, &ce)
}
