package storage

import (
	"context"
	"io"

	"github.com/italolelis/skillbridge_offline/internal/telemetry"
)

// InstrumentedKV wraps a KV partition with telemetry.
type InstrumentedKV struct {
	kv        KV
	partition string
	telemetry *telemetry.Telemetry
}

// NewInstrumentedKV creates a new instrumented partition.
func NewInstrumentedKV(kv KV, partition string, tel *telemetry.Telemetry) *InstrumentedKV {
	return &InstrumentedKV{kv: kv, partition: partition, telemetry: tel}
}

func (i *InstrumentedKV) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	err := i.telemetry.InstrumentStoreOperation(ctx, i.partition, "get", func(ctx context.Context) error {
		var err error

		result, err = i.kv.Get(ctx, key)

		return err
	})

	return result, err
}

func (i *InstrumentedKV) Set(ctx context.Context, key string, value []byte) error {
	return i.telemetry.InstrumentStoreOperation(ctx, i.partition, "set", func(ctx context.Context) error {
		return i.kv.Set(ctx, key, value)
	})
}

func (i *InstrumentedKV) Delete(ctx context.Context, key string) error {
	return i.telemetry.InstrumentStoreOperation(ctx, i.partition, "delete", func(ctx context.Context) error {
		return i.kv.Delete(ctx, key)
	})
}

// InstrumentedBlobStore wraps a BlobStore with telemetry.
type InstrumentedBlobStore struct {
	*InstrumentedKV

	blobs BlobStore
}

// NewInstrumentedBlobStore creates a new instrumented blob store.
func NewInstrumentedBlobStore(blobs BlobStore, partition string, tel *telemetry.Telemetry) *InstrumentedBlobStore {
	return &InstrumentedBlobStore{
		InstrumentedKV: NewInstrumentedKV(blobs, partition, tel),
		blobs:          blobs,
	}
}

func (i *InstrumentedBlobStore) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	var n int64

	err := i.telemetry.InstrumentStoreOperation(ctx, i.partition, "write", func(ctx context.Context) error {
		var err error

		n, err = i.blobs.Write(ctx, key, r)

		return err
	})

	return n, err
}

func (i *InstrumentedBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser

	err := i.telemetry.InstrumentStoreOperation(ctx, i.partition, "open", func(ctx context.Context) error {
		var err error

		rc, err = i.blobs.Open(ctx, key)

		return err
	})

	return rc, err
}

func (i *InstrumentedBlobStore) Size(ctx context.Context, key string) (int64, error) {
	return i.blobs.Size(ctx, key)
}

// Usage forwards to the wrapped store when it can report capacity.
func (i *InstrumentedBlobStore) Usage(ctx context.Context) (Usage, error) {
	if ur, ok := i.blobs.(UsageReporter); ok {
		return ur.Usage(ctx)
	}

	return Usage{}, ErrUsageUnavailable
}
