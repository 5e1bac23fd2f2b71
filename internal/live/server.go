package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/soar-core/infrastructure/ratelimit"
	"github.com/r3e-network/soar-core/pkg/logger"
)

// TestTriggerFunc runs a sample event through organizationID's playbookID in
// dry-run mode and returns the resulting execution's id. Wired to
// internal/app so a client can sandbox a playbook without an event ever
// reaching the durable stream.
type TestTriggerFunc func(ctx context.Context, organizationID, playbookID int64, sampleData map[string]interface{}) (int64, error)

// Server adapts a Hub to a plain net/http websocket upgrade endpoint and
// drives the documented inbound message protocol: authenticate,
// subscribe:execution, subscribe:playbooks, unsubscribe, test:trigger.
type Server struct {
	hub      *Hub
	verifier *TokenVerifier
	log      *logger.Logger

	// TestTrigger backs the test:trigger message. Nil disables it: the
	// server still accepts the message but responds with an error frame.
	TestTrigger TestTriggerFunc

	PingInterval time.Duration
	ReadTimeout  time.Duration

	upgrader websocket.Upgrader
}

// NewServer returns a Server broadcasting through hub and authenticating
// connections against verifier.
func NewServer(hub *Hub, verifier *TokenVerifier, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("live")
	}
	return &Server{
		hub:          hub,
		verifier:     verifier,
		log:          log,
		PingInterval: 30 * time.Second,
		ReadTimeout:  90 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request to a websocket connection. The connection
// starts unauthenticated with no room memberships; the client must send an
// authenticate message before anything else is accepted.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("live: websocket upgrade failed")
		return
	}

	cl := &client{
		send:  make(chan Event, 32),
		limit: ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: 20, Burst: 40}),
	}
	s.hub.register <- cl

	go s.writeLoop(conn, cl)
	s.readLoop(conn, cl)
}

// writeLoop drains cl.send to the socket and sends periodic pings; it owns
// the connection's write side exclusively, per gorilla/websocket's
// single-writer requirement.
func (s *Server) writeLoop(conn *websocket.Conn, cl *client) {
	ticker := time.NewTicker(s.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-cl.send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := event.Marshal()
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop keeps the pong deadline fresh and dispatches every inbound
// application message to handleInbound.
func (s *Server) readLoop(conn *websocket.Conn, cl *client) {
	defer func() { s.hub.unregister <- cl }()

	conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleInbound(cl, raw)
	}
}

// inboundFrame is the envelope every inbound message is unmarshaled into;
// unused fields for a given Type are simply left zero.
type inboundFrame struct {
	Type string `json:"type"`

	// authenticate
	Token string `json:"token,omitempty"`

	// subscribe:execution, test:trigger
	ExecutionID int64                  `json:"executionId,omitempty"`
	PlaybookID  int64                  `json:"playbookId,omitempty"`
	SampleData  map[string]interface{} `json:"sampleData,omitempty"`

	// unsubscribe: Room names the membership kind ("org", "execution",
	// "playbooks"); ID is that room's id, omitted for "org".
	Room string `json:"room,omitempty"`
	ID   int64  `json:"id,omitempty"`
}

func (s *Server) handleInbound(cl *client, raw []byte) {
	var msg inboundFrame
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(cl, "malformed message")
		return
	}

	switch msg.Type {
	case "authenticate":
		s.handleAuthenticate(cl, msg)
	case "subscribe:execution":
		s.requireAuthenticated(cl, func() {
			s.handleSubscribe(cl, fmt.Sprintf("execution:%d", msg.ExecutionID))
		})
	case "subscribe:playbooks":
		s.requireAuthenticated(cl, func() {
			s.handleSubscribe(cl, fmt.Sprintf("playbooks:%d", cl.organizationID))
		})
	case "unsubscribe":
		s.requireAuthenticated(cl, func() {
			s.handleUnsubscribe(cl, msg)
		})
	case "test:trigger":
		s.requireAuthenticated(cl, func() {
			s.handleTestTrigger(cl, msg)
		})
	default:
		s.sendError(cl, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) requireAuthenticated(cl *client, fn func()) {
	if !cl.authenticated {
		s.sendError(cl, "not authenticated")
		return
	}
	fn()
}

// handleAuthenticate validates the token and, on success, auto-joins the
// connection to its org room (the whole-tenant firehose every other
// subscription narrows from), per the documented connection lifecycle.
func (s *Server) handleAuthenticate(cl *client, msg inboundFrame) {
	claims, err := s.verifier.Verify(msg.Token)
	if err != nil {
		s.sendError(cl, "invalid token")
		return
	}
	cl.authenticate(claims)

	orgRoom := fmt.Sprintf("org:%d", claims.OrganizationID)
	if granted := authorizedRooms([]string{orgRoom}, claims.Rooms); len(granted) > 0 {
		cl.join(orgRoom)
	}

	s.deliver(cl, "authenticated", map[string]interface{}{
		"organizationId": claims.OrganizationID,
		"userId":         claims.UserID,
	})
}

// handleSubscribe joins room if cl's token authorizes it; room must always
// be scoped to cl's own organization, so a forged or stale id in another
// tenant's room name is rejected the same way an unauthorized room is.
func (s *Server) handleSubscribe(cl *client, room string) {
	if !cl.isGranted(room) {
		s.sendError(cl, fmt.Sprintf("token does not authorize room %q", room))
		return
	}
	cl.join(room)
	s.deliver(cl, "subscribed", map[string]interface{}{"room": room})
}

func (s *Server) handleUnsubscribe(cl *client, msg inboundFrame) {
	room := msg.Room
	if msg.Room != "org" {
		room = fmt.Sprintf("%s:%d", msg.Room, msg.ID)
	} else {
		room = fmt.Sprintf("org:%d", cl.organizationID)
	}
	cl.leave(room)
	s.deliver(cl, "unsubscribed", map[string]interface{}{"room": room})
}

// handleTestTrigger runs the playbook in the background so a slow dry run
// never blocks this connection's read loop; progress and completion arrive
// as the usual execution:*/step:* events broadcast to the org room.
func (s *Server) handleTestTrigger(cl *client, msg inboundFrame) {
	if s.TestTrigger == nil {
		s.sendError(cl, "test trigger is not configured")
		return
	}

	orgID, playbookID := cl.organizationID, msg.PlaybookID
	s.hub.Publish(fmt.Sprintf("org:%d", orgID), "test:trigger:started", map[string]interface{}{
		"organizationId": orgID,
		"playbookId":     playbookID,
		"timestamp":      time.Now().UTC(),
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.TestTrigger(ctx, orgID, playbookID, msg.SampleData); err != nil {
			s.deliver(cl, "error", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// deliver enqueues an event directly to cl, bypassing room membership —
// used for acks/errors that are meaningful only to the connection that
// triggered them. A full send buffer drops the frame rather than block the
// read loop.
func (s *Server) deliver(cl *client, eventType string, payload map[string]interface{}) {
	select {
	case cl.send <- Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}:
	default:
	}
}

func (s *Server) sendError(cl *client, reason string) {
	s.deliver(cl, "error", map[string]interface{}{"error": reason})
}
