// Package downloader fetches catalog resources into local storage with a
// bounded number of parallel transfers, persistent queue state, retries with
// exponential backoff and pause/resume/cancel control.
package downloader

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/skillbridge_offline/internal/connectivity"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/logctx"
	"github.com/italolelis/skillbridge_offline/internal/storage"
	"github.com/italolelis/skillbridge_offline/internal/telemetry"
	"github.com/italolelis/skillbridge_offline/internal/transport"
)

const queueKey = "downloadQueue"

// Settings tune the orchestrator.
type Settings struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryBaseDelay time.Duration
	// AutoResume re-queues paused items when connectivity returns.
	AutoResume bool
	// ProgressInterval is the number of bytes between progress reports.
	ProgressInterval int64
}

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent:  3,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		AutoResume:     true,
	}
}

// Store groups the three partitions the orchestrator writes to.
type Store struct {
	Queue    storage.KV
	Files    storage.BlobStore
	Metadata storage.KV
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTelemetry records download metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		o.tel = tel
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator owns the download queue. All mutations go through its
// methods and are serialised by mu; transfers run on worker goroutines that
// only report back through finish and the progress callback.
type Orchestrator struct {
	settings Settings
	fetcher  transport.Fetcher
	store    Store
	bus      *eventbus.Bus
	conn     *connectivity.Monitor
	tel      *telemetry.Telemetry
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	items   []*Item
	active  map[string]*attempt
	seq     uint64
	started bool
	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. It does nothing until Start is called.
func New(fetcher transport.Fetcher, store Store, bus *eventbus.Bus, conn *connectivity.Monitor, settings Settings, opts ...Option) *Orchestrator {
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 1
	}

	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}

	o := &Orchestrator{
		settings: settings,
		fetcher:  fetcher,
		store:    store,
		bus:      bus,
		conn:     conn,
		now:      time.Now,
		logger:   slog.Default(),
		active:   make(map[string]*attempt),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Start restores the persisted queue, re-queues transfers interrupted by a
// crash and begins scheduling. Transfers run until ctx is done or Stop is
// called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return nil
	}

	o.logger = logctx.LoggerFromContext(ctx).With("component", "downloader")

	items, err := o.loadQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load download queue: %w", err)
	}

	recovered := 0

	for _, it := range items {
		o.seq = max(o.seq, it.Seq)

		if it.Status.Running() {
			it.Status = StatusQueued
			it.resetProgress()
			recovered++
		}
	}

	o.items = items
	o.baseCtx, o.stop = context.WithCancelCause(context.WithoutCancel(ctx))
	o.started = true

	if recovered > 0 {
		o.logger.InfoContext(ctx, "re-queued interrupted downloads", "count", recovered)
		o.persistLocked()
	}

	o.logger.InfoContext(ctx, "download orchestrator started",
		"items", len(o.items),
		"max_concurrent", o.settings.MaxConcurrent,
		"max_retries", o.settings.MaxRetries,
	)

	// Subscribe before returning so no transition after Start is missed.
	transitions, unsubscribe := o.conn.Subscribe()

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-o.baseCtx.Done():
				return
			case online, ok := <-transitions:
				if !ok {
					return
				}

				o.onConnectivityChange(online)
			}
		}
	}()

	o.scheduleLocked()

	return nil
}

// Stop aborts every running transfer and waits for the workers to exit.
// Running items stay persisted as downloading and are re-queued by the next
// Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()

	if !o.started {
		o.mu.Unlock()

		return
	}

	o.started = false
	o.stop(errShutdown)
	o.mu.Unlock()

	o.wg.Wait()

	o.logger.Info("download orchestrator stopped")
}

// Run starts the orchestrator and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	o.Stop()

	return nil
}

// Enqueue adds a resource to the queue and returns the download id. When the
// resource already has an active download its id is returned instead.
func (o *Orchestrator) Enqueue(ctx context.Context, res Resource, opts Options) (string, error) {
	if res.ID == "" || res.URL == "" {
		return "", ErrInvalidResource
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, it := range o.items {
		if it.ResourceID == res.ID && it.Status.Active() {
			return it.ID, nil
		}
	}

	o.seq++

	it := &Item{
		ID:         uuid.NewString(),
		ResourceID: res.ID,
		URL:        res.URL,
		SizeBytes:  max(res.Size, 0),
		Status:     StatusQueued,
		Priority:   priority,
		CreatedAt:  o.now(),
		Metadata:   res.Metadata,
		Seq:        o.seq,
	}

	o.items = append(o.items, it)

	if err := o.persistLocked(); err != nil {
		o.items = o.items[:len(o.items)-1]

		return "", err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download enqueued",
		"download_id", it.ID,
		"resource_id", it.ResourceID,
		"priority", it.Priority,
	)

	o.publishLocked(eventbus.DownloadAdded, it)
	o.scheduleLocked()

	return it.ID, nil
}

// Pause aborts a running transfer and parks the item. It is a no-op unless
// the item is downloading.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	it := o.findLocked(id)
	if it == nil {
		return ErrNotFound
	}

	if it.Status != StatusDownloading {
		return nil
	}

	o.pauseLocked(it, errPaused)
	o.persistLocked()
	o.publishLocked(eventbus.DownloadPaused, it)
	o.scheduleLocked()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download paused", "download_id", id)

	return nil
}

// Resume re-queues a paused or failed item. A failed item starts over with a
// fresh retry budget. Other states are left untouched.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	it := o.findLocked(id)
	if it == nil {
		return ErrNotFound
	}

	switch it.Status {
	case StatusPaused:
	case StatusFailed:
		for _, other := range o.items {
			if other != it && other.ResourceID == it.ResourceID && other.Status.Active() {
				return ErrResourceBusy
			}
		}

		it.RetryCount = 0
		it.Error = ""
	case StatusQueued, StatusDownloading, StatusRetrying, StatusCompleted, StatusCancelled:
		return nil
	}

	it.Status = StatusQueued

	o.persistLocked()
	o.publishLocked(eventbus.DownloadResumed, it)
	o.scheduleLocked()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download resumed", "download_id", id)

	return nil
}

// Cancel aborts the item if running and removes it together with any stored
// payload. Cancelling an unknown or completed item is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()

	it := o.findLocked(id)
	if it == nil || it.Status == StatusCompleted {
		o.mu.Unlock()

		return nil
	}

	if a, ok := o.active[id]; ok {
		a.cancel(errCancelled)
		delete(o.active, id)
	}

	o.removeLocked(id)
	it.Status = StatusCancelled
	o.persistLocked()
	o.publishLocked(eventbus.DownloadCancelled, it)
	o.scheduleLocked()
	o.mu.Unlock()

	o.deletePayload(ctx, id)

	return nil
}

// Get returns a snapshot of one item.
func (o *Orchestrator) Get(id string) (Item, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	it := o.findLocked(id)
	if it == nil {
		return Item{}, false
	}

	return it.clone(), true
}

// List returns snapshots of every item in queue order.
func (o *Orchestrator) List() []Item {
	return o.snapshot(func(*Item) bool { return true })
}

// GetActive returns the items holding a worker slot.
func (o *Orchestrator) GetActive() []Item {
	return o.snapshot(func(it *Item) bool { return it.Status.Running() })
}

// GetQueued returns the items waiting for a slot, paused ones included.
func (o *Orchestrator) GetQueued() []Item {
	return o.snapshot(func(it *Item) bool {
		return it.Status == StatusQueued || it.Status == StatusPaused
	})
}

// GetCompleted returns the finished items.
func (o *Orchestrator) GetCompleted() []Item {
	return o.snapshot(func(it *Item) bool { return it.Status == StatusCompleted })
}

// GetFailed returns the items whose retries were exhausted.
func (o *Orchestrator) GetFailed() []Item {
	return o.snapshot(func(it *Item) bool { return it.Status == StatusFailed })
}

func (o *Orchestrator) snapshot(keep func(*Item) bool) []Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Item, 0, len(o.items))

	for _, it := range o.items {
		if keep(it) {
			out = append(out, it.clone())
		}
	}

	return out
}

// onConnectivityChange pauses running transfers when the network goes away
// and, with AutoResume, re-queues paused items when it returns.
func (o *Orchestrator) onConnectivityChange(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return
	}

	if !online {
		paused := 0

		for _, it := range o.items {
			if it.Status.Running() {
				o.pauseLocked(it, errOffline)
				o.publishLocked(eventbus.DownloadPaused, it)
				paused++
			}
		}

		if paused > 0 {
			o.persistLocked()
		}

		o.logger.Info("connectivity lost, paused downloads", "count", paused)

		return
	}

	resumed := 0

	if o.settings.AutoResume {
		for _, it := range o.items {
			if it.Status == StatusPaused {
				it.Status = StatusQueued
				o.publishLocked(eventbus.DownloadResumed, it)
				resumed++
			}
		}

		if resumed > 0 {
			o.persistLocked()
		}
	}

	o.logger.Info("connectivity restored", "resumed", resumed)
	o.scheduleLocked()
}

// scheduleLocked starts queued items, high priority first and oldest first
// within a priority, until every slot is taken.
func (o *Orchestrator) scheduleLocked() {
	if !o.started || !o.conn.IsOnline() {
		return
	}

	free := o.settings.MaxConcurrent - len(o.active)
	if free <= 0 {
		return
	}

	var queued []*Item

	for _, it := range o.items {
		if it.Status == StatusQueued {
			queued = append(queued, it)
		}
	}

	slices.SortFunc(queued, func(a, b *Item) int {
		return cmp.Or(
			cmp.Compare(a.Priority.rank(), b.Priority.rank()),
			cmp.Compare(a.Seq, b.Seq),
		)
	})

	for _, it := range queued[:min(free, len(queued))] {
		o.startLocked(it)
	}
}

func (o *Orchestrator) startLocked(it *Item) {
	ctx := logctx.WithAttrs(o.baseCtx,
		slog.String("download_id", it.ID),
		slog.String("resource_id", it.ResourceID),
	)
	ctx, cancel := context.WithCancelCause(ctx)

	a := &attempt{
		ctx:     ctx,
		cancel:  cancel,
		backoff: newBackOff(o.settings.RetryBaseDelay, it.RetryCount),
		started: o.now(),
	}

	o.active[it.ID] = a

	it.Status = StatusDownloading
	it.Error = ""
	it.resetProgress()
	a.resetRate(o.now())

	o.persistLocked()
	o.publishLocked(eventbus.DownloadStarted, it)

	o.wg.Add(1)

	go o.run(a, it.ID)
}

// pauseLocked aborts the attempt of a running item and parks it. Progress is
// kept for display and reset when the item restarts.
func (o *Orchestrator) pauseLocked(it *Item, cause error) {
	if a, ok := o.active[it.ID]; ok {
		a.cancel(cause)
		delete(o.active, it.ID)
	}

	it.Status = StatusPaused
	it.SpeedBytesPerSec = 0
	it.ETASeconds = 0
}

func (o *Orchestrator) findLocked(id string) *Item {
	for _, it := range o.items {
		if it.ID == id {
			return it
		}
	}

	return nil
}

func (o *Orchestrator) removeLocked(id string) {
	o.items = slices.DeleteFunc(o.items, func(it *Item) bool { return it.ID == id })
}

// publishLocked emits a snapshot of it. The bus never blocks, so events are
// published under the lock and observers see transitions in order.
func (o *Orchestrator) publishLocked(kind eventbus.Kind, it *Item) {
	if o.bus != nil {
		o.bus.Publish(kind, it.clone())
	}
}

// persistLocked writes the whole queue. Failures are logged; the in-memory
// queue stays authoritative until the next successful write.
func (o *Orchestrator) persistLocked() error {
	ctx := context.Background()
	if o.baseCtx != nil {
		ctx = context.WithoutCancel(o.baseCtx)
	}

	if err := storage.SetJSON(ctx, o.store.Queue, queueKey, o.items); err != nil {
		o.logger.Error("failed to persist download queue", "err", err)
		o.tel.RecordSystemError("downloader", "persist_queue")

		return storage.Wrap(storage.PartitionQueue, "set", queueKey, err)
	}

	return nil
}

func (o *Orchestrator) loadQueue(ctx context.Context) ([]*Item, error) {
	var items []*Item

	err := storage.GetJSON(ctx, o.store.Queue, queueKey, &items)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(items, func(it *Item) bool { return it == nil || it.ID == "" }), nil
}

func (o *Orchestrator) deletePayload(ctx context.Context, id string) {
	if err := o.store.Files.Delete(ctx, id); err != nil {
		o.logger.Warn("failed to delete download payload", "download_id", id, "err", err)
	}

	if err := o.store.Metadata.Delete(ctx, id); err != nil {
		o.logger.Warn("failed to delete download metadata", "download_id", id, "err", err)
	}
}
