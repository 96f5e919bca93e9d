// Package syncer queues local mutations made while offline and reconciles
// them with the server once connectivity returns.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/skillbridge_offline/internal/connectivity"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/logctx"
	"github.com/italolelis/skillbridge_offline/internal/storage"
	"github.com/italolelis/skillbridge_offline/internal/telemetry"
	"github.com/italolelis/skillbridge_offline/internal/transport"
)

const dataKey = "syncData"

// Settings tune the engine.
type Settings struct {
	// Interval between periodic passes while online.
	Interval time.Duration
	// Debounce is the delay between QueueChange and the pass it triggers.
	Debounce time.Duration
}

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	return Settings{
		Interval: 5 * time.Minute,
		Debounce: time.Second,
	}
}

// Store groups the partitions the engine writes to.
type Store struct {
	State     storage.KV
	Resources storage.KV
	Bookmarks storage.KV
	Progress  storage.KV
}

// API is the server side of a pass.
type API interface {
	transport.Uploader
	transport.UpdatesFetcher
}

// Option configures an Engine.
type Option func(*Engine)

// WithTelemetry records sync metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.tel = tel
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithHandler registers a handler for a change type at construction.
func WithHandler(t ChangeType, h Handler) Option {
	return func(e *Engine) {
		e.handlers[t] = h
	}
}

// Engine owns the change queue. Passes are mutually exclusive: the periodic
// timer, the debounce and ForceSyncNow share one guard.
type Engine struct {
	settings Settings
	api      API
	store    Store
	bus      *eventbus.Bus
	conn     *connectivity.Monitor
	tel      *telemetry.Telemetry
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[ChangeType]Handler
	queue    []*Change
	lastSync *time.Time
	started  bool
	// generation is bumped by ClearSyncData so a pass that was running
	// across the reset does not restore the old watermark.
	generation uint64

	running atomic.Bool
	kick    chan struct{}
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine with the default upload handlers. It does nothing
// until Start is called.
func New(api API, store Store, bus *eventbus.Bus, conn *connectivity.Monitor, settings Settings, opts ...Option) *Engine {
	defaults := DefaultSettings()

	if settings.Interval <= 0 {
		settings.Interval = defaults.Interval
	}

	if settings.Debounce <= 0 {
		settings.Debounce = defaults.Debounce
	}

	e := &Engine{
		settings: settings,
		api:      api,
		store:    store,
		bus:      bus,
		conn:     conn,
		now:      time.Now,
		logger:   slog.Default(),
		handlers: defaultHandlers(api),
		kick:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RegisterHandler adds or replaces the handler of a change type.
func (e *Engine) RegisterHandler(t ChangeType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[t] = h
}

// Start restores the persisted queue and begins the scheduling loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	e.logger = logctx.LoggerFromContext(ctx).With("component", "syncer")

	var snap snapshot

	err := storage.GetJSON(ctx, e.store.State, dataKey, &snap)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load sync data: %w", err)
	}

	e.queue = slices.DeleteFunc(snap.Queue, func(c *Change) bool { return c == nil || c.ID == "" })
	e.lastSync = snap.LastSyncTime
	e.started = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.stop = cancel

	transitions, unsubscribe := e.conn.Subscribe()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer unsubscribe()

		e.loop(loopCtx, transitions)
	}()

	e.logger.InfoContext(ctx, "sync engine started",
		"pending", e.countLocked(StatusPending),
		"failed", e.countLocked(StatusFailed),
		"interval", e.settings.Interval,
	)

	return nil
}

// Stop ends the scheduling loop and waits for a running pass to return.
func (e *Engine) Stop() {
	e.mu.Lock()

	if !e.started {
		e.mu.Unlock()

		return
	}

	e.started = false
	e.stop()
	e.mu.Unlock()

	e.wg.Wait()

	e.logger.Info("sync engine stopped")
}

// Run starts the engine and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	e.Stop()

	return nil
}

// QueueChange appends a pending change and, when online, schedules a
// debounced pass. payload may be raw JSON or any value encodable as JSON.
func (e *Engine) QueueChange(ctx context.Context, t ChangeType, payload any) (Change, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Change{}, err
	}

	e.mu.Lock()

	if _, ok := e.handlers[t]; !ok {
		e.mu.Unlock()

		return Change{}, fmt.Errorf("%w: %q", ErrUnknownChangeType, t)
	}

	c := &Change{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   raw,
		Action:    ActionUpload,
		Status:    StatusPending,
		CreatedAt: e.now(),
	}

	e.queue = append(e.queue, c)

	if err := e.persistLocked(ctx); err != nil {
		e.queue = e.queue[:len(e.queue)-1]
		e.mu.Unlock()

		return Change{}, err
	}

	out := c.clone()
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "change queued", "change_id", c.ID, "type", t)

	if e.conn.IsOnline() {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}

	return out, nil
}

// ForceSyncNow runs a pass immediately and returns its report.
func (e *Engine) ForceSyncNow(ctx context.Context) (Report, error) {
	if err := e.conn.Require("sync"); err != nil {
		return Report{}, err
	}

	return e.runPass(ctx)
}

// GetSyncStatus returns a snapshot of the engine.
func (e *Engine) GetSyncStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		IsOnline:       e.conn.IsOnline(),
		SyncInProgress: e.running.Load(),
		PendingChanges: e.countLocked(StatusPending),
		FailedChanges:  e.countLocked(StatusFailed),
	}

	if e.lastSync != nil {
		t := *e.lastSync
		st.LastSyncTime = &t
	}

	return st
}

// Changes returns snapshots of the queued records in upload order.
func (e *Engine) Changes() []Change {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Change, 0, len(e.queue))
	for _, c := range e.queue {
		out = append(out, c.clone())
	}

	return out
}

// RetryFailed puts failed records back to pending and returns how many were
// re-queued. They are uploaded by the next pass.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0

	for _, c := range e.queue {
		if c.Status == StatusFailed {
			c.Status = StatusPending
			c.Error = ""
			n++
		}
	}

	if n == 0 {
		return 0, nil
	}

	return n, e.persistLocked(ctx)
}

// ClearSyncData empties the queue and forgets the last sync time.
func (e *Engine) ClearSyncData(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queue = nil
	e.lastSync = nil
	e.generation++

	return e.persistLocked(ctx)
}

func (e *Engine) loop(ctx context.Context, transitions <-chan bool) {
	var (
		ticker   *time.Ticker
		tick     <-chan time.Time
		debounce *time.Timer
		fire     <-chan time.Time
	)

	startTicker := func() {
		if ticker == nil {
			ticker = time.NewTicker(e.settings.Interval)
			tick = ticker.C
		}
	}

	stopTimers := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}

		if debounce != nil {
			debounce.Stop()
			debounce, fire = nil, nil
		}
	}

	defer stopTimers()

	if e.conn.IsOnline() {
		startTicker()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case online, ok := <-transitions:
			if !ok {
				return
			}

			if !online {
				e.logger.Info("offline, periodic sync stopped")
				stopTimers()

				continue
			}

			e.logger.Info("online, syncing")
			startTicker()
			e.background(ctx, "reconnect")

		case <-e.kick:
			if !e.conn.IsOnline() {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(e.settings.Debounce)
			} else {
				debounce.Reset(e.settings.Debounce)
			}

			fire = debounce.C

		case <-fire:
			debounce, fire = nil, nil
			e.background(ctx, "change")

		case <-tick:
			e.background(ctx, "periodic")
		}
	}
}

// background runs a pass started by the engine itself. Its outcome is only
// visible through events and status.
func (e *Engine) background(ctx context.Context, trigger string) {
	if !e.conn.IsOnline() {
		return
	}

	_, err := e.runPass(ctx)

	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		e.logger.Debug("sync pass skipped, another pass is running", "trigger", trigger)
	default:
		e.logger.Warn("sync pass failed", "trigger", trigger, "err", err)
	}
}

func (e *Engine) runPass(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	ctx = logctx.WithAttrs(ctx, slog.String("pass_id", uuid.NewString()))

	e.publish(eventbus.SyncStarted, nil)

	var report Report

	err := e.tel.InstrumentSyncPass(ctx, func(ctx context.Context) error {
		var err error

		report, err = e.pass(ctx)

		return err
	})
	if err != nil {
		e.publish(eventbus.SyncFailed, Failure{Error: err.Error()})

		return report, err
	}

	e.logger.InfoContext(ctx, "sync pass completed",
		"uploaded", report.Uploaded,
		"failed", report.Failed,
		"resolved", len(report.Resolved),
		"resources", report.ResourcesUpdated,
		"bookmarks", report.BookmarksUpdated,
		"progress", report.ProgressUpdated,
	)

	e.publish(eventbus.SyncCompleted, report)

	return report, nil
}

func (e *Engine) pass(ctx context.Context) (Report, error) {
	var report Report

	started := e.now()

	e.mu.Lock()
	generation := e.generation
	e.mu.Unlock()

	e.upload(ctx, &report)

	if err := ctx.Err(); err != nil {
		return report, err
	}

	e.mu.Lock()
	since := time.Unix(0, 0).UTC()
	if e.lastSync != nil {
		since = *e.lastSync
	}
	e.mu.Unlock()

	updates, err := e.api.FetchUpdatesSince(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to download updates: %w", err)
	}

	if err := e.applyUpdates(ctx, updates, &report); err != nil {
		return report, fmt.Errorf("failed to apply updates: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	report.Resolved = e.resolveConflictsLocked()

	if e.generation != generation {
		e.logger.InfoContext(ctx, "sync data cleared during pass, keeping the reset watermark")

		return report, e.persistLocked(ctx)
	}

	previous := e.lastSync
	e.lastSync = &started

	if err := e.persistLocked(ctx); err != nil {
		e.lastSync = previous

		return report, err
	}

	report.LastSyncTime = started

	return report, nil
}

// upload sends pending records and those that failed in an earlier pass, in
// insertion order. The set is fixed when the pass starts, so a record that
// fails here waits for the next pass. A failure does not stop the records
// after it.
func (e *Engine) upload(ctx context.Context, report *Report) {
	e.mu.Lock()

	var pending []*Change

	for _, c := range e.queue {
		if c.Action != ActionUpload {
			continue
		}

		if c.Status == StatusPending || c.Status == StatusFailed {
			pending = append(pending, c)
		}
	}

	e.mu.Unlock()

	for _, c := range pending {
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		h, ok := e.handlers[c.Type]
		payload := c.Payload
		e.mu.Unlock()

		var err error
		if ok {
			err = h(ctx, payload)
		} else {
			err = fmt.Errorf("%w: %q", ErrUnknownChangeType, c.Type)
		}

		e.mu.Lock()

		switch {
		case err == nil:
			c.Status = StatusCompleted
			report.Uploaded++
		case transport.IsConflict(err):
			c.Status = StatusConflict
			c.Error = err.Error()
		default:
			c.Status = StatusFailed
			c.Error = err.Error()
			report.Failed++

			e.logger.WarnContext(ctx, "failed to upload change", "change_id", c.ID, "type", c.Type, "err", err)
		}

		e.tel.RecordSyncChange(string(c.Type), string(c.Status))
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Records cleared while uploading are gone from the queue already.
	e.queue = slices.DeleteFunc(e.queue, func(c *Change) bool { return c.Status == StatusCompleted })

	if err := e.persistLocked(ctx); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist sync queue after upload", "err", err)
	}
}

// resolveConflictsLocked applies server-wins: conflicting records are marked
// resolved and discarded.
func (e *Engine) resolveConflictsLocked() []Change {
	var resolved []Change

	now := e.now()

	for _, c := range e.queue {
		if c.Status == StatusConflict {
			c.Status = StatusResolved
			c.ResolvedAt = &now
			resolved = append(resolved, c.clone())

			e.logger.Info("conflict resolved, server version kept", "change_id", c.ID, "type", c.Type)
		}
	}

	e.queue = slices.DeleteFunc(e.queue, func(c *Change) bool { return c.Status == StatusResolved })

	return resolved
}

func (e *Engine) countLocked(s ChangeStatus) int {
	n := 0

	for _, c := range e.queue {
		if c.Status == s {
			n++
		}
	}

	return n
}

func (e *Engine) persistLocked(ctx context.Context) error {
	snap := snapshot{Queue: e.queue, LastSyncTime: e.lastSync}

	if err := storage.SetJSON(context.WithoutCancel(ctx), e.store.State, dataKey, snap); err != nil {
		e.tel.RecordSystemError("syncer", "persist_queue")

		return storage.Wrap(storage.PartitionSync, "set", dataKey, err)
	}

	return nil
}

func (e *Engine) publish(kind eventbus.Kind, payload any) {
	if e.bus != nil {
		e.bus.Publish(kind, payload)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte

	switch p := payload.(type) {
	case nil:
		return nil, ErrInvalidPayload
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}

		raw = b
	}

	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}

	return append(json.RawMessage(nil), raw...), nil
}
