// Package ws pushes proposal events to users connected over websocket.
package ws

import (
	"context"
	"sync/atomic"
	"time"

	"meetd-backend/internal/logging"
	"meetd-backend/internal/webhook"

	"github.com/google/uuid"
)

type message struct {
	userID  uuid.UUID
	payload []byte
}

// Hub tracks connected clients per user and fans events out to them. All
// client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients map[uuid.UUID]map[*Client]bool

	// Outbound events for a user.
	broadcast chan message

	register   chan *Client
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	connected atomic.Int64
	log       logging.Logger
	now       func() time.Time
}

func NewHub(log logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
		now:        time.Now,
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[uuid.UUID]map[*Client]bool)
			h.connected.Store(0)
			return nil
		case c := <-h.register:
			set := h.clients[c.userID]
			if set == nil {
				set = make(map[*Client]bool)
				h.clients[c.userID] = set
			}
			set[c] = true
			h.connected.Add(1)
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.broadcast:
			for c := range h.clients[m.userID] {
				select {
				case c.send <- m.payload:
				default:
					// Slow consumer.
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.userID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	h.connected.Add(-1)
}

// Connected returns the number of open client connections.
func (h *Hub) Connected() int {
	return int(h.connected.Load())
}

// Notify implements webhook.Notifier. Events are dropped when the hub is
// saturated; delivery to websocket clients is best effort.
func (h *Hub) Notify(ctx context.Context, to webhook.Recipient, ev webhook.Event) {
	if to.UserID == uuid.Nil {
		return
	}
	payload, err := webhook.NewEnvelope(ev, h.now()).Marshal()
	if err != nil {
		h.log.Error(ctx, "render stream event", "event", ev.Type(), "error", err)
		return
	}
	select {
	case h.broadcast <- message{userID: to.UserID, payload: payload}:
	default:
		h.log.Warn(ctx, "stream event dropped", "event", ev.Type(), "user_id", to.UserID)
	}
}
