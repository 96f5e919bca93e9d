package syncer

import "errors"

var (
	// ErrSyncInProgress is returned when a pass is requested while another
	// one is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnknownChangeType is returned by QueueChange for a type without a
	// registered handler.
	ErrUnknownChangeType = errors.New("unknown change type")

	// ErrInvalidPayload is returned by QueueChange when the payload is empty
	// or not valid JSON.
	ErrInvalidPayload = errors.New("invalid change payload")
)
