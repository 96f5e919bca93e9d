// Package eventbus fans out state transitions of the download and sync
// subsystems to in-process observers.
package eventbus

import (
	"sync"
	"time"
)

// Kind tags an event.
type Kind string

// Download events.
const (
	DownloadAdded     Kind = "downloadAdded"
	DownloadStarted   Kind = "downloadStarted"
	DownloadProgress  Kind = "downloadProgress"
	DownloadPaused    Kind = "downloadPaused"
	DownloadResumed   Kind = "downloadResumed"
	DownloadCancelled Kind = "downloadCancelled"
	DownloadCompleted Kind = "downloadCompleted"
	DownloadFailed    Kind = "downloadFailed"
	DownloadRetrying  Kind = "downloadRetrying"
	DownloadRemoved   Kind = "downloadRemoved"
)

// Sync events.
const (
	SyncStarted      Kind = "syncStarted"
	SyncCompleted    Kind = "syncCompleted"
	SyncFailed       Kind = "syncFailed"
	ResourcesUpdated Kind = "resourcesUpdated"
	BookmarksUpdated Kind = "bookmarksUpdated"
	ProgressUpdated  Kind = "progressUpdated"
)

// Event is one notification. Payload is a snapshot owned by the receiver:
// publishers never mutate it after Publish.
type Event struct {
	Kind    Kind      `json:"type"`
	At      time.Time `json:"timestamp"`
	Payload any       `json:"data,omitempty"`
}

// Count is the payload of the *Updated events.
type Count struct {
	Count int `json:"count"`
}

// DefaultBuffer is the channel size used when Subscribe is given zero.
const DefaultBuffer = 64

// Bus is a process-wide publish/subscribe hub. Delivery never blocks the
// publisher. When a subscriber's buffer is full, progress events for it are
// dropped and every other kind waits in an ordered overflow queue, so state
// transitions are never lost.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	onDrop func(Kind)
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook registers a callback invoked for every dropped progress
// delivery.
func WithDropHook(fn func(Kind)) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscription is a handle on the events of a subset of kinds.
type Subscription struct {
	bus   *Bus
	ch    chan Event
	kinds map[Kind]struct{}
	once  sync.Once

	mu       sync.Mutex
	overflow []Event
	flushing bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// Events returns the receive side of the subscription. It is closed by Close
// or when the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.done)
		s.wg.Wait()
		close(s.ch)
	})
}

// deliver hands ev to the subscriber and reports false when it was dropped.
// Nothing overtakes queued overflow events.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.overflow) == 0 {
		select {
		case s.ch <- ev:
			return true
		default:
		}
	}

	if ev.Kind == DownloadProgress {
		return false
	}

	s.overflow = append(s.overflow, ev)

	if !s.flushing {
		s.flushing = true
		s.wg.Add(1)

		go s.flush()
	}

	return true
}

// flush moves overflow events into the channel as the subscriber catches up.
func (s *Subscription) flush() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(s.overflow) == 0 {
			s.flushing = false
			s.mu.Unlock()

			return
		}

		ev := s.overflow[0]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}

		s.mu.Lock()
		s.overflow[0] = Event{}
		s.overflow = s.overflow[1:]
		s.mu.Unlock()
	}
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}

	_, ok := s.kinds[k]

	return ok
}

// Subscribe registers a subscriber for the given kinds, or every kind when
// none are given.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	s := &Subscription{
		bus:   b,
		ch:    make(chan Event, buffer),
		kinds: make(map[Kind]struct{}, len(kinds)),
		done:  make(chan struct{}),
	}

	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		s.once.Do(func() {})

		return s
	}

	b.subs[s] = struct{}{}

	return s
}

// Publish delivers an event of kind k to every interested subscriber.
func (b *Bus) Publish(k Kind, payload any) {
	ev := Event{Kind: k, At: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for s := range b.subs {
		if !s.wants(k) {
			continue
		}

		if !s.deliver(ev) && b.onDrop != nil {
			b.onDrop(k)
		}
	}
}

// Close closes every subscription; later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for s := range b.subs {
		s.closeLocked()
	}
}
