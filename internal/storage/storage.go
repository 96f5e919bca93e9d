package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Partition names. Each subsystem owns its own namespaces so writes never
// collide across the download and sync sides.
const (
	PartitionQueue     = "queue"
	PartitionMetadata  = "metadata"
	PartitionSync      = "sync"
	PartitionResources = "resources"
	PartitionBookmarks = "bookmarks"
	PartitionProgress  = "progress"
	PartitionFiles     = "files"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrUsageUnavailable is returned when the backing volume cannot report its
// capacity.
var ErrUsageUnavailable = errors.New("storage usage unavailable")

// KV is a durable key/value partition.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// BlobStore is a KV partition for large payloads that can be streamed.
type BlobStore interface {
	KV
	Write(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Size(ctx context.Context, key string) (int64, error)
}

// Usage describes the capacity of the volume backing a store.
type Usage struct {
	Total     uint64
	Available uint64
}

// UsageReporter is implemented by stores that can report volume capacity.
type UsageReporter interface {
	Usage(ctx context.Context) (Usage, error)
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return kv.Set(ctx, key, data)
}
