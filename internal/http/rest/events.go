package rest

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/logctx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	eventBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from a different origin than the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams bus events to a websocket client. The optional types query
// parameter is a comma separated list of event types to receive.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	kinds := parseKinds(r.URL.Query().Get("types"))

	// Subscribe before the handshake completes so that nothing published
	// after the client sees the upgrade is lost.
	sub := h.bus.Subscribe(eventBuffer, kinds...)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the client.
		logger.WarnContext(r.Context(), "websocket upgrade failed", "err", err)
		sub.Close()

		return
	}

	c := &eventClient{
		conn:   conn,
		sub:    sub,
		done:   make(chan struct{}),
		logger: logger,
	}

	logger.DebugContext(r.Context(), "event stream opened", "types", kinds)

	go c.readPump()
	c.writePump()

	logger.DebugContext(r.Context(), "event stream closed")
}

func parseKinds(raw string) []eventbus.Kind {
	var kinds []eventbus.Kind

	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, eventbus.Kind(k))
		}
	}

	return kinds
}

type eventClient struct {
	conn   *websocket.Conn
	sub    *eventbus.Subscription
	done   chan struct{}
	logger *slog.Logger
}

// readPump discards client messages and notices when the peer goes away.
func (c *eventClient) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "err", err)
			}

			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-c.sub.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))

				return
			}

			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Warn("websocket write error", "err", err)

				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
