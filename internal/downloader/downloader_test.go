package downloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/skillbridge_offline/internal/connectivity"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/storage"
	"github.com/italolelis/skillbridge_offline/internal/transport"
)

const waitFor = 2 * time.Second

// fetchFunc adapts a function to transport.Fetcher.
type fetchFunc func(ctx context.Context, url string) (*transport.Stream, error)

func (f fetchFunc) Fetch(ctx context.Context, url string) (*transport.Stream, error) {
	return f(ctx, url)
}

func streamOf(data []byte, contentType string) *transport.Stream {
	return &transport.Stream{
		Body:        io.NopCloser(bytes.NewReader(data)),
		Size:        int64(len(data)),
		ContentType: contentType,
	}
}

// gateReader yields head, then blocks until the gate is closed (and yields
// tail) or the context is cancelled.
type gateReader struct {
	ctx    context.Context
	head   []byte
	tail   []byte
	gate   <-chan struct{}
	opened bool
}

func (g *gateReader) Read(p []byte) (int, error) {
	if len(g.head) > 0 {
		n := copy(p, g.head)
		g.head = g.head[n:]

		return n, nil
	}

	if !g.opened {
		select {
		case <-g.ctx.Done():
			return 0, context.Cause(g.ctx)
		case <-g.gate:
		}

		g.opened = true
	}

	if len(g.tail) > 0 {
		n := copy(p, g.tail)
		g.tail = g.tail[n:]

		return n, nil
	}

	return 0, io.EOF
}

func (g *gateReader) Close() error { return nil }

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func record(t *testing.T, bus *eventbus.Bus) *recorder {
	t.Helper()

	r := &recorder{}
	sub := bus.Subscribe(4096)

	go func() {
		for ev := range sub.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()

	t.Cleanup(sub.Close)

	return r
}

func (r *recorder) kinds(id string) []eventbus.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []eventbus.Kind

	for _, ev := range r.events {
		if it, ok := ev.Payload.(Item); ok && it.ID == id {
			out = append(out, ev.Kind)
		}
	}

	return out
}

func (r *recorder) count(kind eventbus.Kind, id string) int {
	n := 0

	for _, k := range r.kinds(id) {
		if k == kind {
			n++
		}
	}

	return n
}

func (r *recorder) items(kind eventbus.Kind, id string) []Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Item

	for _, ev := range r.events {
		if it, ok := ev.Payload.(Item); ok && it.ID == id && ev.Kind == kind {
			out = append(out, it)
		}
	}

	return out
}

type harness struct {
	o      *Orchestrator
	conn   *connectivity.Monitor
	bus    *eventbus.Bus
	events *recorder
	queue  *storage.Memory
	files  *storage.Memory
	meta   *storage.Memory
}

func newHarness(t *testing.T, fetcher transport.Fetcher, online bool, settings Settings, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		conn:  connectivity.NewMonitor(online),
		bus:   eventbus.New(),
		queue: storage.NewMemory(),
		files: storage.NewMemory(),
		meta:  storage.NewMemory(),
	}
	h.events = record(t, h.bus)
	h.o = New(fetcher, Store{Queue: h.queue, Files: h.files, Metadata: h.meta}, h.bus, h.conn, settings, opts...)

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.o.Start(context.Background()))
	t.Cleanup(h.o.Stop)
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) Item {
	t.Helper()

	var it Item

	require.Eventually(t, func() bool {
		var ok bool
		it, ok = h.o.Get(id)

		return ok && it.Status == want
	}, waitFor, time.Millisecond, "item %s never reached %s", id, want)

	return it
}

func testSettings() Settings {
	s := DefaultSettings()
	s.RetryBaseDelay = time.Millisecond
	s.ProgressInterval = 1024

	return s
}

func resource(id string) Resource {
	return Resource{ID: id, URL: "/files/" + id, Metadata: Metadata{Title: "Lesson " + id, Type: "pdf"}}
}

func TestEnqueue_DownloadsAndStores(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 10*1024)

	h := newHarness(t, fetchFunc(func(_ context.Context, url string) (*transport.Stream, error) {
		assert.Equal(t, "/files/r1", url)

		return streamOf(payload, "application/pdf"), nil
	}), true, testSettings())
	h.start(t)

	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, resource("r1"), Options{Priority: PriorityHigh})
	require.NoError(t, err)

	it := h.waitStatus(t, id, StatusCompleted)
	assert.Equal(t, int64(len(payload)), it.SizeBytes)
	assert.Equal(t, int64(len(payload)), it.DownloadedBytes)
	assert.InDelta(t, 100, it.ProgressPercent, 0.001)
	assert.NotNil(t, it.CompletedAt)
	assert.Equal(t, "application/pdf", it.MimeType)

	rc, meta, err := h.o.OpenFile(ctx, id)
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)
	assert.Equal(t, "r1", meta.ResourceID)
	assert.Equal(t, int64(len(payload)), meta.FileSize)
	assert.Equal(t, "Lesson r1", meta.Metadata.Title)

	require.Eventually(t, func() bool {
		return h.events.count(eventbus.DownloadCompleted, id) == 1
	}, waitFor, time.Millisecond)

	kinds := h.events.kinds(id)
	assert.Equal(t, eventbus.DownloadAdded, kinds[0])
	assert.Equal(t, eventbus.DownloadStarted, kinds[1])
	assert.Equal(t, eventbus.DownloadCompleted, kinds[len(kinds)-1])

	assert.Empty(t, h.o.GetActive())
	assert.Len(t, h.o.GetCompleted(), 1)
}

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t, fetchFunc(nil), false, testSettings())
	h.start(t)

	_, err := h.o.Enqueue(context.Background(), Resource{ID: "r1"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidResource)

	_, err = h.o.Enqueue(context.Background(), Resource{URL: "/x"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestEnqueue_SingleActivePerResource(t *testing.T) {
	h := newHarness(t, fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		return streamOf([]byte("ok"), "text/plain"), nil
	}), false, testSettings())
	h.start(t)

	ctx := context.Background()

	first, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)

	for range 5 {
		again, err := h.o.Enqueue(ctx, resource("r1"), Options{Priority: PriorityHigh})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.Len(t, h.o.List(), 1)

	h.conn.SetOnline(true)
	h.waitStatus(t, first, StatusCompleted)

	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadCompleted, first) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, h.events.count(eventbus.DownloadAdded, first))

	// A completed item no longer blocks a new download of the same resource.
	second, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestScheduling_PriorityThenInsertionOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)

	h := newHarness(t, fetchFunc(func(_ context.Context, url string) (*transport.Stream, error) {
		mu.Lock()
		order = append(order, strings.TrimPrefix(url, "/files/"))
		mu.Unlock()

		return streamOf([]byte("ok"), "text/plain"), nil
	}), false, Settings{MaxConcurrent: 1, MaxRetries: 3, RetryBaseDelay: time.Millisecond})
	h.start(t)

	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority Priority
	}{
		{"low", PriorityLow},
		{"normal-1", PriorityNormal},
		{"high-1", PriorityHigh},
		{"normal-2", ""},
		{"high-2", PriorityHigh},
	} {
		_, err := h.o.Enqueue(ctx, resource(tc.id), Options{Priority: tc.priority})
		require.NoError(t, err)
	}

	assert.Len(t, h.o.GetQueued(), 5)

	h.conn.SetOnline(true)

	require.Eventually(t, func() bool { return len(h.o.GetCompleted()) == 5 }, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low"}, order)
}

func TestScheduling_ConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32

	gate := make(chan struct{})

	h := newHarness(t, fetchFunc(func(ctx context.Context, _ string) (*transport.Stream, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		body := &gateReader{ctx: ctx, head: []byte("a"), tail: []byte("b"), gate: gate}

		return &transport.Stream{Body: closeHook{body, func() { running.Add(-1) }}, Size: 2}, nil
	}), true, Settings{MaxConcurrent: 2, MaxRetries: 0})
	h.start(t)

	for i := range 5 {
		_, err := h.o.Enqueue(context.Background(), resource(string(rune('a'+i))), Options{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(h.o.GetActive()) == 2 }, waitFor, time.Millisecond)
	assert.Len(t, h.o.GetQueued(), 3)

	close(gate)

	require.Eventually(t, func() bool { return len(h.o.GetCompleted()) == 5 }, waitFor, time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type closeHook struct {
	io.Reader
	onClose func()
}

func (c closeHook) Close() error {
	c.onClose()

	return nil
}

func TestPauseResume(t *testing.T) {
	var calls atomic.Int32

	gate := make(chan struct{})

	h := newHarness(t, fetchFunc(func(ctx context.Context, _ string) (*transport.Stream, error) {
		if calls.Add(1) == 1 {
			return &transport.Stream{
				Body: &gateReader{ctx: ctx, head: make([]byte, 2048), tail: make([]byte, 2048), gate: gate},
				Size: 4096,
			}, nil
		}

		return streamOf(make([]byte, 4096), "video/mp4"), nil
	}), true, testSettings())
	h.start(t)

	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, _ := h.o.Get(id)

		return it.Status == StatusDownloading && it.DownloadedBytes == 2048
	}, waitFor, time.Millisecond)

	it, _ := h.o.Get(id)
	assert.InDelta(t, 50, it.ProgressPercent, 0.001)

	require.NoError(t, h.o.Pause(ctx, id))

	it = h.waitStatus(t, id, StatusPaused)
	assert.Equal(t, 0, it.RetryCount)
	assert.Empty(t, h.o.GetActive())
	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadPaused, id) == 1 }, waitFor, time.Millisecond)

	// Pausing twice or pausing a paused item changes nothing.
	require.NoError(t, h.o.Pause(ctx, id))
	assert.Equal(t, 1, h.events.count(eventbus.DownloadPaused, id))

	require.NoError(t, h.o.Resume(ctx, id))

	it = h.waitStatus(t, id, StatusCompleted)
	assert.Equal(t, 0, it.RetryCount)
	assert.Equal(t, int32(2), calls.Load())

	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadCompleted, id) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, h.events.count(eventbus.DownloadResumed, id))
	assert.Equal(t, 1, h.events.count(eventbus.DownloadPaused, id))

	assert.ErrorIs(t, h.o.Pause(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, h.o.Resume(ctx, "missing"), ErrNotFound)
}

func TestCancel_Idempotent(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	h := newHarness(t, fetchFunc(func(ctx context.Context, _ string) (*transport.Stream, error) {
		return &transport.Stream{
			Body: &gateReader{ctx: ctx, head: []byte("partial"), tail: []byte("rest"), gate: gate},
			Size: 11,
		}, nil
	}), true, testSettings())
	h.start(t)

	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)

	h.waitStatus(t, id, StatusDownloading)

	require.NoError(t, h.o.Cancel(ctx, id))
	require.NoError(t, h.o.Cancel(ctx, id))

	_, ok := h.o.Get(id)
	assert.False(t, ok)
	assert.Empty(t, h.o.List())

	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadCancelled, id) == 1 }, waitFor, time.Millisecond)

	// Give a late worker report the chance to misbehave.
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.events.count(eventbus.DownloadCancelled, id))
	assert.Zero(t, h.events.count(eventbus.DownloadCompleted, id))
	assert.Empty(t, h.files.Keys())

	var persisted []Item
	require.NoError(t, storage.GetJSON(ctx, h.queue, queueKey, &persisted))
	assert.Empty(t, persisted)
}

func TestCancel_CompletedIsNoop(t *testing.T) {
	h := newHarness(t, fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		return streamOf([]byte("done"), "text/plain"), nil
	}), true, testSettings())
	h.start(t)

	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, id, StatusCompleted)

	require.NoError(t, h.o.Cancel(ctx, id))

	it, ok := h.o.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Zero(t, h.events.count(eventbus.DownloadCancelled, id))
}

func TestRetry_BoundedThenFailed(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t, fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		calls.Add(1)

		return nil, &transport.TransportError{Operation: "fetch", StatusCode: 503, Message: "unavailable"}
	}), true, testSettings())
	h.start(t)

	id, err := h.o.Enqueue(context.Background(), resource("r1"), Options{})
	require.NoError(t, err)

	it := h.waitStatus(t, id, StatusFailed)
	assert.Equal(t, 3, it.RetryCount)
	assert.Contains(t, it.Error, "HTTP 503")
	assert.Equal(t, int32(4), calls.Load())

	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadFailed, id) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 3, h.events.count(eventbus.DownloadRetrying, id))

	retries := h.events.items(eventbus.DownloadRetrying, id)
	for i, r := range retries {
		assert.Equal(t, i+1, r.RetryCount)
	}

	assert.Empty(t, h.o.GetActive(), "the slot is released")
}

func TestNewBackOff_DoublesPerRetry(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, newBackOff(time.Second, tt.retryCount).NextBackOff(), "retry count %d", tt.retryCount)
	}

	// One backoff carries the schedule across the attempts of a run.
	b := newBackOff(time.Second, 0)
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 8*time.Second, b.NextBackOff())

	assert.Equal(t, maxBackoff, newBackOff(time.Second, 20).NextBackOff())
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t, fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		if calls.Add(1) == 1 {
			return nil, &transport.TransportError{Operation: "fetch", Message: "connection reset"}
		}

		return streamOf([]byte("payload"), "text/plain"), nil
	}), true, testSettings())
	h.start(t)

	id, err := h.o.Enqueue(context.Background(), resource("r1"), Options{})
	require.NoError(t, err)

	it := h.waitStatus(t, id, StatusCompleted)
	assert.Equal(t, 1, it.RetryCount)
	assert.Empty(t, it.Error)
}

func TestResume_FailedStartsOver(t *testing.T) {
	var healthy atomic.Bool

	h := newHarness(t, fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		if !healthy.Load() {
			return nil, &transport.TransportError{Operation: "fetch", Message: "timeout"}
		}

		return streamOf([]byte("payload"), "text/plain"), nil
	}), true, Settings{MaxConcurrent: 3, MaxRetries: 1, RetryBaseDelay: time.Millisecond})
	h.start(t)

	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, id, StatusFailed)
	assert.Len(t, h.o.GetFailed(), 1)

	healthy.Store(true)
	require.NoError(t, h.o.Resume(ctx, id))

	it := h.waitStatus(t, id, StatusCompleted)
	assert.Equal(t, 0, it.RetryCount)
}

func TestResume_FailedWhileResourceBusy(t *testing.T) {
	var healthy atomic.Bool

	h := newHarness(t, fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		if !healthy.Load() {
			return nil, &transport.TransportError{Operation: "fetch", Message: "timeout"}
		}

		return streamOf([]byte("payload"), "text/plain"), nil
	}), true, Settings{MaxConcurrent: 1, MaxRetries: 0})
	h.start(t)

	ctx := context.Background()

	failed, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, failed, StatusFailed)

	// Keep the replacement queued so it stays active.
	h.conn.SetOnline(false)

	replacement, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)
	require.NotEqual(t, failed, replacement)

	assert.ErrorIs(t, h.o.Resume(ctx, failed), ErrResourceBusy)

	// Cancel removes failed items too.
	require.NoError(t, h.o.Cancel(ctx, failed))

	_, ok := h.o.Get(failed)
	assert.False(t, ok)
}

type brokenBlobs struct {
	*storage.Memory
}

func (b brokenBlobs) Write(_ context.Context, key string, r io.Reader) (int64, error) {
	_, _ = io.Copy(io.Discard, r)

	return 0, storage.Wrap(storage.PartitionFiles, "write", key, errors.New("no space left on device"))
}

func TestStorageError_FailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32

	fetcher := fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		calls.Add(1)

		return streamOf([]byte("payload"), "text/plain"), nil
	})

	conn := connectivity.NewMonitor(true)
	bus := eventbus.New()
	events := record(t, bus)

	o := New(fetcher, Store{
		Queue:    storage.NewMemory(),
		Files:    brokenBlobs{storage.NewMemory()},
		Metadata: storage.NewMemory(),
	}, bus, conn, testSettings())
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)

	id, err := o.Enqueue(context.Background(), resource("r1"), Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, _ := o.Get(id)

		return it.Status == StatusFailed
	}, waitFor, time.Millisecond)

	it, _ := o.Get(id)
	assert.Equal(t, 0, it.RetryCount)
	assert.Contains(t, it.Error, "no space left on device")
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, events.count(eventbus.DownloadRetrying, id))
}

func TestProgress_Monotonic(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 64*1024)

	h := newHarness(t, fetchFunc(func(context.Context, string) (*transport.Stream, error) {
		return &transport.Stream{
			Body: io.NopCloser(&chunkedReader{data: payload, chunk: 1000}),
			Size: int64(len(payload)),
		}, nil
	}), true, testSettings())
	h.start(t)

	id, err := h.o.Enqueue(context.Background(), resource("r1"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, id, StatusCompleted)

	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadCompleted, id) == 1 }, waitFor, time.Millisecond)

	progress := h.events.items(eventbus.DownloadProgress, id)
	require.NotEmpty(t, progress)

	last := -1.0

	for _, p := range progress {
		assert.GreaterOrEqual(t, p.ProgressPercent, last)
		assert.LessOrEqual(t, p.DownloadedBytes, p.SizeBytes)
		assert.LessOrEqual(t, p.ProgressPercent, 100.0)

		last = p.ProgressPercent
	}

	assert.InDelta(t, 100, last, 0.001)
}

type chunkedReader struct {
	data  []byte
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}

	n := copy(p[:min(len(p), c.chunk)], c.data)
	c.data = c.data[n:]

	return n, nil
}

func TestConnectivity_OfflinePausesOnlineResumes(t *testing.T) {
	var calls atomic.Int32

	settings := testSettings()
	settings.ProgressInterval = 1

	gate := make(chan struct{})
	defer close(gate)

	h := newHarness(t, fetchFunc(func(ctx context.Context, _ string) (*transport.Stream, error) {
		if calls.Add(1) == 1 {
			return &transport.Stream{
				Body: &gateReader{ctx: ctx, head: []byte("half"), tail: []byte("half"), gate: gate},
				Size: 8,
			}, nil
		}

		return streamOf([]byte("complete"), "text/plain"), nil
	}), true, settings)
	h.start(t)

	id, err := h.o.Enqueue(context.Background(), resource("r1"), Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, _ := h.o.Get(id)

		return it.DownloadedBytes == 4
	}, waitFor, time.Millisecond)

	h.conn.SetOnline(false)

	it := h.waitStatus(t, id, StatusPaused)
	assert.Equal(t, 0, it.RetryCount, "going offline is not a failure")

	// Nothing starts while offline.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	h.conn.SetOnline(true)

	it = h.waitStatus(t, id, StatusCompleted)
	assert.Equal(t, 0, it.RetryCount)

	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadCompleted, id) == 1 }, waitFor, time.Millisecond)

	kinds := h.events.kinds(id)

	var tail []eventbus.Kind

	for i, k := range kinds {
		if k == eventbus.DownloadPaused {
			tail = kinds[i:]

			break
		}
	}

	require.GreaterOrEqual(t, len(tail), 3)
	assert.Equal(t, []eventbus.Kind{eventbus.DownloadPaused, eventbus.DownloadResumed, eventbus.DownloadStarted}, tail[:3])
}

func TestConnectivity_ReconnectResumesUserPaused(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	h := newHarness(t, fetchFunc(func(ctx context.Context, _ string) (*transport.Stream, error) {
		return &transport.Stream{Body: &gateReader{ctx: ctx, head: []byte("a"), gate: gate}, Size: 2}, nil
	}), true, testSettings())
	h.start(t)

	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, resource("r1"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, id, StatusDownloading)

	require.NoError(t, h.o.Pause(ctx, id))
	h.waitStatus(t, id, StatusPaused)

	h.conn.SetOnline(false)
	h.conn.SetOnline(true)

	// Paused items are re-queued on reconnect whoever paused them.
	h.waitStatus(t, id, StatusDownloading)
	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadResumed, id) == 1 }, waitFor, time.Millisecond)
}

func TestConnectivity_NoAutoResume(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	settings := testSettings()
	settings.AutoResume = false

	h := newHarness(t, fetchFunc(func(ctx context.Context, _ string) (*transport.Stream, error) {
		return &transport.Stream{Body: &gateReader{ctx: ctx, head: []byte("a"), gate: gate}, Size: 2}, nil
	}), true, settings)
	h.start(t)

	id, err := h.o.Enqueue(context.Background(), resource("r1"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, id, StatusDownloading)

	h.conn.SetOnline(false)
	h.waitStatus(t, id, StatusPaused)

	h.conn.SetOnline(true)
	time.Sleep(20 * time.Millisecond)

	it, _ := h.o.Get(id)
	assert.Equal(t, StatusPaused, it.Status)
}

func TestStart_RecoversInterruptedDownloads(t *testing.T) {
	ctx := context.Background()
	queue := storage.NewMemory()

	persisted := []Item{
		{ID: "d1", ResourceID: "r1", URL: "/files/r1", SizeBytes: 1000, DownloadedBytes: 500, ProgressPercent: 50, Status: StatusDownloading, Priority: PriorityNormal, Seq: 1},
		{ID: "d2", ResourceID: "r2", URL: "/files/r2", SizeBytes: 1000, DownloadedBytes: 10, Status: StatusRetrying, RetryCount: 2, Priority: PriorityLow, Seq: 2},
		{ID: "d3", ResourceID: "r3", URL: "/files/r3", SizeBytes: 1000, DownloadedBytes: 300, Status: StatusPaused, Priority: PriorityHigh, Seq: 3},
	}
	require.NoError(t, storage.SetJSON(ctx, queue, queueKey, persisted))

	o := New(fetchFunc(nil), Store{Queue: queue, Files: storage.NewMemory(), Metadata: storage.NewMemory()},
		eventbus.New(), connectivity.NewMonitor(false), testSettings())
	require.NoError(t, o.Start(ctx))
	t.Cleanup(o.Stop)

	d1, ok := o.Get("d1")
	require.True(t, ok)
	assert.Equal(t, StatusQueued, d1.Status)
	assert.Zero(t, d1.DownloadedBytes)
	assert.Zero(t, d1.ProgressPercent)

	d2, _ := o.Get("d2")
	assert.Equal(t, StatusQueued, d2.Status)
	assert.Zero(t, d2.DownloadedBytes)
	assert.Equal(t, 2, d2.RetryCount)

	d3, _ := o.Get("d3")
	assert.Equal(t, StatusPaused, d3.Status)
	assert.Equal(t, int64(300), d3.DownloadedBytes)

	var reloaded []Item
	require.NoError(t, storage.GetJSON(ctx, queue, queueKey, &reloaded))
	require.Len(t, reloaded, 3)
	assert.Equal(t, StatusQueued, reloaded[0].Status)
	assert.Zero(t, reloaded[0].DownloadedBytes)

	// Ids handed out after a restart keep insertion order.
	id, err := o.Enqueue(ctx, resource("r4"), Options{})
	require.NoError(t, err)

	it, _ := o.Get(id)
	assert.Equal(t, uint64(4), it.Seq)
}

func TestStorageInfoAndCleanup(t *testing.T) {
	var now atomic.Pointer[time.Time]

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now.Store(&start)

	clock := func() time.Time { return *now.Load() }

	h := newHarness(t, fetchFunc(func(_ context.Context, url string) (*transport.Stream, error) {
		return streamOf([]byte(strings.TrimPrefix(url, "/files/")), "text/plain"), nil
	}), true, testSettings(), WithClock(clock))
	h.files.SetCapacity(1000)
	h.start(t)

	ctx := context.Background()

	old, err := h.o.Enqueue(ctx, resource("12345"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, old, StatusCompleted)

	later := start.Add(20 * 24 * time.Hour)
	now.Store(&later)

	recent, err := h.o.Enqueue(ctx, resource("1234567"), Options{})
	require.NoError(t, err)
	h.waitStatus(t, recent, StatusCompleted)

	info, err := h.o.GetStorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, StorageInfo{
		TotalFiles:       2,
		TotalSize:        12,
		UsedStorage:      12,
		AvailableStorage: 988,
		TotalStorage:     1000,
	}, info)

	cleanupAt := start.Add(31 * 24 * time.Hour)
	now.Store(&cleanupAt)

	removed, err := h.o.CleanupOldFiles(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := h.o.Get(old)
	assert.False(t, ok)

	_, ok = h.o.Get(recent)
	assert.True(t, ok)

	assert.ElementsMatch(t, []string{recent}, h.files.Keys())
	assert.ElementsMatch(t, []string{recent}, h.meta.Keys())

	require.Eventually(t, func() bool { return h.events.count(eventbus.DownloadRemoved, old) == 1 }, waitFor, time.Millisecond)

	_, _, err = h.o.OpenFile(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
}
