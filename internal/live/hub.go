// Package live implements the live progress channel: a websocket hub that
// authenticates connections with a bearer JWT, subscribes each connection to
// one or more rooms ("org:<id>", "execution:<id>", "playbooks:<id>"), and
// broadcasts executor-emitted events to every subscriber of the matching
// room. The hub shape (register/unregister channels plus a single broadcast
// goroutine owning the subscriber map) follows gorilla/websocket's own
// documented chat-room example, adapted to room-scoped fan-out instead of
// a single global room.
package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/r3e-network/soar-core/infrastructure/ratelimit"
	"github.com/r3e-network/soar-core/pkg/logger"
)

// Event is one message broadcast to a room's subscribers.
type Event struct {
	Type      string                 `json:"type"`
	Room      string                 `json:"room"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// client is one accepted websocket connection. It starts unauthenticated
// with no room memberships; readLoop's authenticate handler populates
// organizationID/granted, and subsequent subscribe/unsubscribe messages
// mutate rooms. rooms is read from the hub's fan-out goroutine and
// written from the connection's own readLoop goroutine, so it is the one
// field guarded by mu; every other field is touched only by readLoop and
// needs no lock.
type client struct {
	send  chan Event
	limit *ratelimit.RateLimiter

	authenticated  bool
	organizationID int64
	userID         int64
	granted        map[string]struct{}

	mu    sync.Mutex
	rooms map[string]struct{}
}

// authenticate records claims as this connection's identity and authorized
// room set, following a successful authenticate message.
func (c *client) authenticate(claims *Claims) {
	c.authenticated = true
	c.organizationID = claims.OrganizationID
	c.userID = claims.UserID
	c.granted = make(map[string]struct{}, len(claims.Rooms))
	for _, r := range claims.Rooms {
		c.granted[r] = struct{}{}
	}
}

// isGranted reports whether this connection's token authorizes room.
func (c *client) isGranted(room string) bool {
	_, ok := c.granted[room]
	return ok
}

// join adds room to this connection's active subscriptions.
func (c *client) join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	c.rooms[room] = struct{}{}
}

// leave removes room from this connection's active subscriptions, if present.
func (c *client) leave(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// hasRoom reports whether this connection is currently subscribed to room.
func (c *client) hasRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Hub owns the set of connected clients and their room memberships. All
// mutation happens on the run goroutine; callers only ever send to the
// hub's channels.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan Event

	mu      sync.RWMutex
	clients map[*client]struct{}

	log *logger.Logger
}

// New returns a Hub; call Run in its own goroutine before Publish.
func New(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("live")
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		clients:    make(map[*client]struct{}),
		log:        log,
	}
}

// Run drives the hub's single mutation goroutine until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]struct{})
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.hasRoom(event.Room) {
			continue
		}
		if c.limit != nil && c.limit.LimitExceeded() {
			continue
		}
		select {
		case c.send <- event:
		default:
			// Slow consumer: drop rather than block the fan-out loop for
			// every other subscriber.
		}
	}
}

// Publish enqueues event for delivery to every client subscribed to room.
// It never blocks the caller beyond the broadcast channel's buffer.
func (h *Hub) Publish(room, eventType string, payload map[string]interface{}) {
	event := Event{Type: eventType, Room: room, Payload: payload, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- event:
	default:
		h.log.WithField("room", room).Warn("live: broadcast channel full, dropping event")
	}
}

// Marshal serializes an Event the way the websocket writer expects to send
// it; kept as a function (not inlined at the call site) so the wire format
// is defined in one place.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
