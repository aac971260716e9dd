package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/observability"
)

const writeWait = 5 * time.Second

// LoadObserver authorises subscriptions to a load's topic.
type LoadObserver interface {
	CanObserveLoad(ctx context.Context, actor access.Actor, loadID string) (bool, error)
}

// WSSession is one connected subscriber.
type WSSession struct {
	conn  *websocket.Conn
	actor access.Actor
	mu    sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// ClientMessage is what subscribers may send over the socket.
type ClientMessage struct {
	Action string `json:"action"`
	LoadID string `json:"load_id"`
}

// ServerMessage acknowledges client actions. Events are sent as
// events.Notification values.
type ServerMessage struct {
	Type    string `json:"type"`
	LoadID  string `json:"load_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Hub fans notifications out to websocket sessions subscribed to a topic.
type Hub struct {
	observer LoadObserver
	logger   *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[*WSSession]struct{}
	joined map[*WSSession]map[string]struct{}
}

func NewHub(observer LoadObserver, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observer: observer,
		logger:   logger,
		topics:   make(map[string]map[*WSSession]struct{}),
		joined:   make(map[*WSSession]map[string]struct{}),
	}
}

func (h *Hub) subscribe(s *WSSession, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*WSSession]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	if h.joined[s] == nil {
		h.joined[s] = make(map[string]struct{})
	}
	h.joined[s][topic] = struct{}{}
}

func (h *Hub) unsubscribe(s *WSSession, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(s, topic)
}

func (h *Hub) unsubscribeLocked(s *WSSession, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(h.joined[s], topic)
}

func (h *Hub) remove(s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.joined[s] {
		h.unsubscribeLocked(s, topic)
	}
	delete(h.joined, s)
}

// Publish delivers n to every session subscribed to its topic. A session
// whose write fails is closed; its reader then unregisters it.
func (h *Hub) Publish(_ context.Context, n events.Notification) error {
	h.mu.RLock()
	subs := make([]*WSSession, 0, len(h.topics[n.Topic]))
	for s := range h.topics[n.Topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.Send(n); err != nil {
			h.logger.Debug("ws send failed", "account_id", s.actor.ID, "topic", n.Topic, "error", err)
			_ = s.conn.Close()
		}
	}
	return nil
}

// Serve owns conn until the client disconnects or ctx ends. The session is
// subscribed to its own user topic, and operators also to the broadcast topic.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, actor access.Actor) {
	s := &WSSession{conn: conn, actor: actor}
	h.subscribe(s, events.UserTopic(actor.ID))
	if actor.IsOperator() {
		h.subscribe(s, events.Broadcast)
	}
	observability.WSSessions.Inc()
	h.logger.Info("ws session opened", "account_id", actor.ID, "role", actor.Role)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		h.remove(s)
		_ = conn.Close()
		observability.WSSessions.Dec()
		h.logger.Info("ws session closed", "account_id", actor.ID)
	}()

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		h.handle(ctx, s, msg)
	}
}

func (h *Hub) handle(ctx context.Context, s *WSSession, msg ClientMessage) {
	switch msg.Action {
	case "join_load":
		if msg.LoadID == "" {
			_ = s.Send(ServerMessage{Type: "error", Message: "load_id required"})
			return
		}
		ok, err := h.observer.CanObserveLoad(ctx, s.actor, msg.LoadID)
		if err != nil {
			h.logger.Warn("join_load check failed", "account_id", s.actor.ID, "load_id", msg.LoadID, "error", err)
			_ = s.Send(ServerMessage{Type: "error", LoadID: msg.LoadID, Message: "unable to join load"})
			return
		}
		if !ok {
			_ = s.Send(ServerMessage{Type: "error", LoadID: msg.LoadID, Message: "access denied"})
			return
		}
		h.subscribe(s, events.LoadTopic(msg.LoadID))
		_ = s.Send(ServerMessage{Type: "joined", LoadID: msg.LoadID})
	case "leave_load":
		h.unsubscribe(s, events.LoadTopic(msg.LoadID))
		_ = s.Send(ServerMessage{Type: "left", LoadID: msg.LoadID})
	default:
		_ = s.Send(ServerMessage{Type: "error", Message: "unknown action " + msg.Action})
	}
}

// Subscribers reports how many sessions listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
