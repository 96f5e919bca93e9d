package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Span attributes that feed metrics must stay bounded. Never attach
// download ids, resource ids, URLs, storage keys or error messages as
// attributes; put them in logs instead.
//
// Safe attributes:
// - component ("downloader", "syncer", "store")
// - operation ("fetch", "write", "upload", "get", "set")
// - status ("success", "error")
// - partition names and change types

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := statusOf(err)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentStoreOperation instruments a read or write against a storage partition.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, partition, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "store_"+operation, "store", fn)

	t.RecordStoreOperation(partition, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentDownload instruments a single download attempt. The caller decides
// the final outcome label since a cancelled attempt is neither success nor error.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn func(ctx context.Context) (string, int64, error)) error {
	if t == nil {
		_, _, err := fn(ctx)

		return err
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	var (
		outcome string
		bytes   int64
	)

	err := t.InstrumentOperation(ctx, "download", "downloader", func(ctx context.Context) error {
		var err error

		outcome, bytes, err = fn(ctx)

		return err
	})

	t.RecordDownload(outcome, time.Since(start), bytes)

	return err
}

// InstrumentSyncPass instruments one full sync pass.
func (t *Telemetry) InstrumentSyncPass(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "sync_pass", "syncer", fn)

	t.RecordSyncPass(statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
