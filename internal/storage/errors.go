package storage

import (
	"errors"
	"fmt"
)

// StorageError represents a failed read or write against a partition.
// Callers treat it as fatal for the current operation: it usually means the
// disk is full or the database is unavailable, so retrying is pointless.
type StorageError struct {
	Partition string // Partition the operation targeted
	Key       string // Key involved, if any
	Op        string // "get", "set", "delete", "write"
	Err       error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s on %s failed: %v", e.Op, e.Partition, e.Err)
	}

	return fmt.Sprintf("storage %s %s/%s failed: %v", e.Op, e.Partition, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap turns err into a *StorageError unless it is nil, ErrNotFound or
// already a storage error.
func Wrap(partition, op, key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}

	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	return &StorageError{Partition: partition, Key: key, Op: op, Err: err}
}

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError

	return errors.As(err, &se)
}
