package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Subscription) []Event {
	var out []Event

	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}

			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New()

	all := b.Subscribe(8)
	syncOnly := b.Subscribe(8, SyncStarted, SyncCompleted)

	b.Publish(DownloadAdded, "d1")
	b.Publish(SyncStarted, nil)
	b.Publish(SyncCompleted, Count{Count: 2})

	got := drain(all)
	require.Len(t, got, 3)
	assert.Equal(t, DownloadAdded, got[0].Kind)
	assert.Equal(t, "d1", got[0].Payload)
	assert.False(t, got[0].At.IsZero())

	got = drain(syncOnly)
	require.Len(t, got, 2)
	assert.Equal(t, SyncStarted, got[0].Kind)
	assert.Equal(t, Count{Count: 2}, got[1].Payload)
}

func TestBus_DropsWhenFull(t *testing.T) {
	var dropped []Kind

	b := New(WithDropHook(func(k Kind) { dropped = append(dropped, k) }))
	s := b.Subscribe(1)

	b.Publish(DownloadProgress, 1)
	b.Publish(DownloadProgress, 2)

	got := drain(s)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Payload)
	assert.Equal(t, []Kind{DownloadProgress}, dropped)
}

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()

	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed")

		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")

		return Event{}
	}
}

func TestBus_FullSubscriberStillGetsTransitions(t *testing.T) {
	var dropped []Kind

	b := New(WithDropHook(func(k Kind) { dropped = append(dropped, k) }))
	s := b.Subscribe(2)
	t.Cleanup(s.Close)

	b.Publish(DownloadProgress, 1)
	b.Publish(DownloadProgress, 2)
	b.Publish(DownloadCompleted, "d1")
	b.Publish(SyncCompleted, nil)

	// Progress published behind queued transitions is dropped, never
	// reordered ahead of them.
	b.Publish(DownloadProgress, 3)

	var kinds []Kind
	for range 4 {
		kinds = append(kinds, receive(t, s).Kind)
	}

	assert.Equal(t, []Kind{DownloadProgress, DownloadProgress, DownloadCompleted, SyncCompleted}, kinds)
	assert.Equal(t, []Kind{DownloadProgress}, dropped)

	// Once drained, progress flows again.
	require.Eventually(t, func() bool {
		b.Publish(DownloadProgress, 4)

		select {
		case ev := <-s.Events():
			return ev.Kind == DownloadProgress
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
}

func TestBus_CloseWithQueuedEvents(t *testing.T) {
	b := New()
	s := b.Subscribe(1)

	b.Publish(DownloadAdded, "d1")
	b.Publish(DownloadStarted, "d1")
	b.Publish(DownloadCompleted, "d1")

	s.Close()

	var got []Kind
	for ev := range s.Events() {
		got = append(got, ev.Kind)
	}

	require.NotEmpty(t, got)
	assert.Equal(t, DownloadAdded, got[0])
	assert.LessOrEqual(t, len(got), 3)
}

func TestBus_CloseSubscription(t *testing.T) {
	b := New()
	s := b.Subscribe(1)

	s.Close()
	s.Close()

	_, ok := <-s.Events()
	assert.False(t, ok)

	// Publishing after the subscriber left must not panic.
	b.Publish(DownloadAdded, nil)
}

func TestBus_Close(t *testing.T) {
	b := New()
	s := b.Subscribe(1)

	b.Close()
	b.Close()

	_, ok := <-s.Events()
	assert.False(t, ok)

	late := b.Subscribe(1)
	_, ok = <-late.Events()
	assert.False(t, ok)

	late.Close()
	b.Publish(SyncFailed, nil)
}
