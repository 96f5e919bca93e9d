// Package connectivity tracks whether the process can reach the network.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// OfflineError is returned synchronously by operations that need the network
// while the process is offline.
type OfflineError struct {
	Operation string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("cannot %s while offline", e.Operation)
}

// Monitor holds the process-wide online flag and fans out transitions.
type Monitor struct {
	online atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]chan bool
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{subs: make(map[int]chan bool)}
	m.online.Store(online)

	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// SetOnline records the platform signal. Subscribers are only notified on an
// actual transition. It reports whether the state changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online.Swap(online) == online {
		return false
	}

	for _, ch := range m.subs {
		// Each channel holds one value; a stale unread state is replaced so
		// slow subscribers always observe the latest one.
		select {
		case <-ch:
		default:
		}

		ch <- online
	}

	return true
}

// Subscribe returns a channel receiving every transition and a function that
// unsubscribes. The channel is closed on unsubscribe.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			delete(m.subs, id)
			close(ch)
		})
	}
}

// Require returns an *OfflineError for op when offline.
func (m *Monitor) Require(op string) error {
	if !m.IsOnline() {
		return &OfflineError{Operation: op}
	}

	return nil
}

// Watch calls fn for every transition until ctx is done.
func (m *Monitor) Watch(ctx context.Context, fn func(online bool)) {
	ch, cancel := m.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}

			fn(online)
		}
	}
}
