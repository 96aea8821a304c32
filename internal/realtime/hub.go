// Package realtime streams saga events to WebSocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

type client struct {
	conn    *websocket.Conn
	orderID string
}

// wants reports whether the event in msg is for the client's order filter.
func (c *client) wants(orderID string) bool {
	return c.orderID == "" || c.orderID == orderID
}

// Hub manages WebSocket subscribers and broadcasts event JSON to them.
// Subscribers may pass ?order_id= to receive only one order's events.
type Hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	upgrader   websocket.Upgrader
	log        logrus.FieldLogger
}

// NewHub constructs a Hub. Call Run to start it.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes register/unregister/broadcast until ctx ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				_ = c.conn.Close()
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				_ = c.conn.Close()
			}
		case msg := <-h.broadcast:
			orderID := orderOf(msg)
			for c := range h.clients {
				if !c.wants(orderID) {
					continue
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.WithError(err).Debug("drop websocket subscriber")
					_ = c.conn.Close()
					delete(h.clients, c)
				}
			}
		}
	}
}

// Broadcast queues msg for every subscriber. It never blocks the caller; a
// full queue drops the message.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.log.Warn("realtime queue full, dropping event")
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade")
		return
	}
	c := &client{conn: conn, orderID: r.URL.Query().Get("order_id")}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Subscribers only listen; reading detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- c:
				case <-h.done:
				}
				return
			}
		}
	}()
}

func orderOf(msg []byte) string {
	var probe struct {
		OrderID json.RawMessage `json:"order_id"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || len(probe.OrderID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.OrderID, &s); err == nil {
		return s
	}
	return string(probe.OrderID)
}
