package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"

	"github.com/italolelis/skillbridge_offline/internal/downloader/progress"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/storage"
)

const (
	rateWindow = time.Second
	maxBackoff = time.Hour
)

// attempt is the running transfer of one item. Its context is cancelled with
// a *CancelledError when the item is paused, cancelled or the orchestrator
// stops. An attempt only ever reports back while it is still the one
// registered in Orchestrator.active, so an aborted attempt produces no further
// progress or completion.
type attempt struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	backoff *backoff.ExponentialBackOff
	started time.Time

	rateAt    time.Time
	rateBytes int64
}

func (a *attempt) resetRate(now time.Time) {
	a.rateAt = now
	a.rateBytes = 0
}

// newBackOff returns the delay sequence base·2^n for n = retries+1, retries+2...
func newBackOff(base time.Duration, retries int) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxBackoff
	b.Reset()

	for range retries {
		b.NextBackOff()
	}

	return b
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
)

// run drives one item from downloading until it completes, fails or is
// aborted, sleeping through the retrying state in between attempts.
func (o *Orchestrator) run(a *attempt, id string) {
	defer o.wg.Done()

	for {
		var (
			next  outcome
			delay time.Duration
		)

		err := o.tel.InstrumentDownload(a.ctx, func(ctx context.Context) (string, int64, error) {
			meta, err := o.transfer(ctx, a, id)
			next, delay = o.finish(a, id, meta, err)

			switch {
			case err == nil:
				return "completed", meta.FileSize, nil
			case IsCancelled(context.Cause(a.ctx)):
				return "cancelled", 0, nil
			case next == outcomeRetry:
				return "retrying", 0, err
			default:
				return "failed", 0, err
			}
		})
		if next != outcomeRetry {
			return
		}

		o.logger.DebugContext(a.ctx, "retrying download", "delay", delay, "err", err)

		timer := time.NewTimer(delay)

		select {
		case <-a.ctx.Done():
			timer.Stop()
			o.finish(a, id, FileMetadata{}, context.Cause(a.ctx))

			return
		case <-timer.C:
		}

		if !o.restart(a, id) {
			return
		}
	}
}

// transfer fetches the item and stores payload and metadata. It never touches
// the item itself except through the progress callback.
func (o *Orchestrator) transfer(ctx context.Context, a *attempt, id string) (FileMetadata, error) {
	o.mu.Lock()
	it := o.findLocked(id)
	if it == nil {
		o.mu.Unlock()

		return FileMetadata{}, errCancelled
	}

	url, expected, resourceID, md := it.URL, it.SizeBytes, it.ResourceID, it.Metadata
	o.mu.Unlock()

	stream, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("failed to fetch resource: %w", err)
	}
	defer stream.Body.Close()

	total := expected
	if stream.Size > 0 {
		total = stream.Size
	}

	o.logger.InfoContext(ctx, "downloading resource",
		"size", humanize.Bytes(uint64(max(total, 0))),
	)

	pr := progress.NewReader(stream.Body, total, o.settings.ProgressInterval, func(read, total int64) {
		o.onProgress(a, id, read, total)
	})

	n, err := o.store.Files.Write(ctx, id, pr)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("failed to store resource: %w", err)
	}

	meta := FileMetadata{
		DownloadID:   id,
		ResourceID:   resourceID,
		FileSize:     n,
		MimeType:     stream.ContentType,
		DownloadedAt: o.now(),
		LocalPath:    id,
		Metadata:     md,
	}

	if err := storage.SetJSON(ctx, o.store.Metadata, id, meta); err != nil {
		return FileMetadata{}, fmt.Errorf("failed to store metadata: %w", storage.Wrap(storage.PartitionMetadata, "set", id, err))
	}

	return meta, nil
}

// onProgress records bytes read by a live attempt and emits downloadProgress.
// Speed and ETA are recomputed at most once per rateWindow.
func (o *Orchestrator) onProgress(a *attempt, id string, read, total int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[id] != a || a.ctx.Err() != nil {
		return
	}

	it := o.findLocked(id)
	if it == nil || it.Status != StatusDownloading {
		return
	}

	it.setProgress(read, total)

	now := o.now()
	if elapsed := now.Sub(a.rateAt); elapsed >= rateWindow {
		it.SpeedBytesPerSec = float64(read-a.rateBytes) / elapsed.Seconds()
		if it.SpeedBytesPerSec > 0 && it.SizeBytes > 0 {
			it.ETASeconds = float64(it.SizeBytes-it.DownloadedBytes) / it.SpeedBytesPerSec
		}

		a.rateAt = now
		a.rateBytes = read
	}

	o.publishLocked(eventbus.DownloadProgress, it)
}

// finish applies the result of an attempt and decides whether to retry.
func (o *Orchestrator) finish(a *attempt, id string, meta FileMetadata, err error) (outcome, time.Duration) {
	o.mu.Lock()

	if o.active[id] != a {
		// Aborted by pause, cancel or connectivity loss. A payload written
		// just before a cancel would otherwise be orphaned.
		orphaned := err == nil && o.findLocked(id) == nil
		o.mu.Unlock()

		if orphaned {
			o.deletePayload(context.WithoutCancel(a.ctx), id)
		}

		return outcomeDone, 0
	}

	defer o.mu.Unlock()

	it := o.findLocked(id)
	if it == nil {
		delete(o.active, id)

		return outcomeDone, 0
	}

	logger := o.logger.With("download_id", id, "resource_id", it.ResourceID)

	switch {
	case err == nil:
		delete(o.active, id)

		now := meta.DownloadedAt
		it.Status = StatusCompleted
		it.CompletedAt = &now
		it.SizeBytes = meta.FileSize
		it.DownloadedBytes = meta.FileSize
		it.ProgressPercent = 100
		it.SpeedBytesPerSec = 0
		it.ETASeconds = 0
		it.MimeType = meta.MimeType

		logger.Info("download completed",
			"size", humanize.Bytes(uint64(meta.FileSize)),
			"took", o.now().Sub(a.started).Round(time.Millisecond),
		)

		o.persistLocked()
		o.publishLocked(eventbus.DownloadCompleted, it)
		o.scheduleLocked()

		return outcomeDone, 0

	case a.ctx.Err() != nil:
		// Shutdown. The item keeps its running state and is re-queued on the
		// next start.
		delete(o.active, id)

		return outcomeDone, 0

	case storage.IsStorageError(err):
		logger.Error("download failed, storage unavailable", "err", err)
		o.failLocked(it, err)

		return outcomeDone, 0

	case it.RetryCount < o.settings.MaxRetries:
		it.RetryCount++
		it.Status = StatusRetrying
		it.Error = err.Error()
		it.SpeedBytesPerSec = 0
		it.ETASeconds = 0

		delay := a.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = maxBackoff
		}

		logger.Warn("download attempt failed", "retry", it.RetryCount, "max_retries", o.settings.MaxRetries, "err", err)
		o.tel.RecordDownloadRetry()

		o.persistLocked()
		o.publishLocked(eventbus.DownloadRetrying, it)

		return outcomeRetry, delay

	default:
		logger.Error("download failed, retries exhausted", "retries", it.RetryCount, "err", err)
		o.failLocked(it, err)

		return outcomeDone, 0
	}
}

func (o *Orchestrator) failLocked(it *Item, err error) {
	delete(o.active, it.ID)

	it.Status = StatusFailed
	it.Error = err.Error()
	it.SpeedBytesPerSec = 0
	it.ETASeconds = 0

	o.persistLocked()
	o.publishLocked(eventbus.DownloadFailed, it)
	o.scheduleLocked()
}

// restart moves a retrying item back to downloading for another attempt on
// the same URL from byte 0.
func (o *Orchestrator) restart(a *attempt, id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[id] != a || a.ctx.Err() != nil {
		return false
	}

	it := o.findLocked(id)
	if it == nil || it.Status != StatusRetrying {
		delete(o.active, id)

		return false
	}

	if !o.conn.IsOnline() {
		o.pauseLocked(it, errOffline)
		o.persistLocked()
		o.publishLocked(eventbus.DownloadPaused, it)

		return false
	}

	it.Status = StatusDownloading
	it.resetProgress()
	a.resetRate(o.now())

	o.persistLocked()
	o.publishLocked(eventbus.DownloadStarted, it)

	return true
}
