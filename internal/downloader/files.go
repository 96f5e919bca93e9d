package downloader

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/storage"
)

// DefaultQuota is reported as total storage when the volume size is unknown.
const DefaultQuota = 2 << 30

// DefaultRetention is how long completed downloads are kept by default.
const DefaultRetention = 30 * 24 * time.Hour

// GetStorageInfo reports how much space completed downloads take and how
// much is left on the volume.
func (o *Orchestrator) GetStorageInfo(ctx context.Context) (StorageInfo, error) {
	completed := o.GetCompleted()

	info := StorageInfo{TotalFiles: len(completed)}

	for _, it := range completed {
		size, err := o.store.Files.Size(ctx, it.ID)

		switch {
		case err == nil:
			info.TotalSize += size
		case errors.Is(err, storage.ErrNotFound):
			info.TotalSize += it.SizeBytes
		default:
			return StorageInfo{}, err
		}
	}

	used := uint64(max(info.TotalSize, 0))

	var usage storage.Usage

	if ur, ok := o.store.Files.(storage.UsageReporter); ok {
		u, err := ur.Usage(ctx)
		if err != nil && !errors.Is(err, storage.ErrUsageUnavailable) {
			return StorageInfo{}, err
		}

		usage = u
	}

	if usage.Total == 0 {
		info.TotalStorage = DefaultQuota
		info.UsedStorage = used
		info.AvailableStorage = DefaultQuota - min(used, DefaultQuota)

		return info, nil
	}

	info.TotalStorage = usage.Total
	info.AvailableStorage = usage.Available
	info.UsedStorage = usage.Total - min(usage.Available, usage.Total)

	return info, nil
}

// CleanupOldFiles removes completed downloads finished more than olderThan
// ago, together with their payload and metadata. It returns how many were
// removed.
func (o *Orchestrator) CleanupOldFiles(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.now().Add(-olderThan)

	o.mu.Lock()

	var expired []*Item

	for _, it := range o.items {
		if it.Status == StatusCompleted && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			expired = append(expired, it)
		}
	}

	if len(expired) == 0 {
		o.mu.Unlock()

		return 0, nil
	}

	for _, it := range expired {
		o.removeLocked(it.ID)
		o.publishLocked(eventbus.DownloadRemoved, it)
	}

	err := o.persistLocked()
	o.mu.Unlock()

	for _, it := range expired {
		o.deletePayload(ctx, it.ID)
	}

	o.logger.InfoContext(ctx, "removed old downloads", "count", len(expired), "cutoff", cutoff)

	return len(expired), err
}

// OpenFile opens the payload of a completed download.
func (o *Orchestrator) OpenFile(ctx context.Context, id string) (io.ReadCloser, FileMetadata, error) {
	it, ok := o.Get(id)
	if !ok {
		return nil, FileMetadata{}, ErrNotFound
	}

	if it.Status != StatusCompleted {
		return nil, FileMetadata{}, ErrNotCompleted
	}

	var meta FileMetadata
	if err := storage.GetJSON(ctx, o.store.Metadata, id, &meta); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, FileMetadata{}, err
	}

	if meta.DownloadID == "" {
		meta = FileMetadata{
			DownloadID: id,
			ResourceID: it.ResourceID,
			FileSize:   it.SizeBytes,
			MimeType:   it.MimeType,
			LocalPath:  id,
			Metadata:   it.Metadata,
		}
		if it.CompletedAt != nil {
			meta.DownloadedAt = *it.CompletedAt
		}
	}

	rc, err := o.store.Files.Open(ctx, id)
	if err != nil {
		return nil, FileMetadata{}, err
	}

	return rc, meta, nil
}
