package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
)

// Event is one notification received from the daemon's event stream.
type Event struct {
	Type      eventbus.Kind   `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Item decodes the download snapshot carried by download events.
func (e Event) Item() (downloader.Item, error) {
	var it downloader.Item
	if err := json.Unmarshal(e.Data, &it); err != nil {
		return downloader.Item{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}

	return it, nil
}

// EventStream delivers events until Close is called, the context passed to
// Events is done or the daemon goes away.
type EventStream struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Events opens the websocket event stream. With no kinds every event is
// delivered.
func (c *Client) Events(ctx context.Context, kinds ...eventbus.Kind) (*EventStream, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/events"

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}

		u.RawQuery = "types=" + strings.Join(names, ",")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}

	s := &EventStream{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	go s.read()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// C returns the channel of events. It is closed when the stream ends.
func (s *EventStream) C() <-chan Event {
	return s.events
}

// Err returns the error that ended the stream, if any.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Close ends the stream.
func (s *EventStream) Close() error {
	var err error

	s.once.Do(func() {
		close(s.done)

		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})

	return err
}

func (s *EventStream) read() {
	defer close(s.events)
	defer s.Close()

	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
				// Closed locally.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
				}
			}

			return
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
