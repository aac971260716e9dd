package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/events"
)

type fakeObserver struct{ allowed map[string]bool }

func (f fakeObserver) CanObserveLoad(_ context.Context, a access.Actor, loadID string) (bool, error) {
	return f.allowed[a.ID+"/"+loadID], nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startHub(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		role, _ := access.ParseRole(r.URL.Query().Get("role"))
		hub.Serve(context.Background(), conn, access.Actor{ID: r.URL.Query().Get("id"), Role: role})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=" + id + "&role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *Hub, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(topic) != n {
		if time.Now().After(deadline) {
			t.Fatalf("topic %s: expected %d subscribers, have %d", topic, n, hub.Subscribers(topic))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func notification(topic string, name events.Name) events.Notification {
	return events.Notification{Topic: topic, Event: events.Event{Name: name, Entity: json.RawMessage(`{"id":"x"}`)}}
}

func TestHubUserTopicAndBroadcast(t *testing.T) {
	hub := NewHub(fakeObserver{}, quietLogger())
	srv := startHub(t, hub)
	client := dial(t, srv, "c1", "CLIENT")
	op := dial(t, srv, "op", "ADMIN")
	waitSubscribers(t, hub, events.UserTopic("c1"), 1)
	waitSubscribers(t, hub, events.Broadcast, 1)

	_ = hub.Publish(context.Background(), notification(events.UserTopic("c1"), events.BidCreated))
	_ = hub.Publish(context.Background(), notification(events.Broadcast, events.LoadCreated))

	var got events.Notification
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&got); err != nil || got.Event.Name != events.BidCreated {
		t.Fatalf("client expected bid.created, got %+v err=%v", got, err)
	}
	_ = op.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := op.ReadJSON(&got); err != nil || got.Event.Name != events.LoadCreated {
		t.Fatalf("operator expected broadcast, got %+v err=%v", got, err)
	}
}

func TestHubJoinLoadAuthorisation(t *testing.T) {
	hub := NewHub(fakeObserver{allowed: map[string]bool{"t1/l1": true}}, quietLogger())
	srv := startHub(t, hub)
	carrier := dial(t, srv, "t1", "TRANSPORTER")
	stranger := dial(t, srv, "t2", "TRANSPORTER")

	var ack ServerMessage
	if err := carrier.WriteJSON(ClientMessage{Action: "join_load", LoadID: "l1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = carrier.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := carrier.ReadJSON(&ack); err != nil || ack.Type != "joined" {
		t.Fatalf("expected joined, got %+v err=%v", ack, err)
	}
	if err := stranger.WriteJSON(ClientMessage{Action: "join_load", LoadID: "l1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = stranger.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := stranger.ReadJSON(&ack); err != nil || ack.Type != "error" {
		t.Fatalf("expected denial, got %+v err=%v", ack, err)
	}
	if n := hub.Subscribers(events.LoadTopic("l1")); n != 1 {
		t.Fatalf("expected one load subscriber, got %d", n)
	}

	if err := carrier.WriteJSON(ClientMessage{Action: "leave_load", LoadID: "l1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitSubscribers(t, hub, events.LoadTopic("l1"), 0)
}

func TestHubRemovesClosedSessions(t *testing.T) {
	hub := NewHub(fakeObserver{}, quietLogger())
	srv := startHub(t, hub)
	c := dial(t, srv, "c1", "CLIENT")
	waitSubscribers(t, hub, events.UserTopic("c1"), 1)
	_ = c.Close()
	waitSubscribers(t, hub, events.UserTopic("c1"), 0)
}

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	f.channels = append(f.channels, channel)
	f.mu.Unlock()
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublisherChannel(t *testing.T) {
	f := &fakeRedis{}
	p := &RedisPublisher{Client: f}
	if err := p.Publish(context.Background(), notification(events.LoadTopic("l1"), events.LoadUpdated)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(f.channels) != 1 || f.channels[0] != "fleetxchange:load:l1" {
		t.Fatalf("unexpected channels %v", f.channels)
	}
	f.err = errors.New("down")
	if err := p.Publish(context.Background(), notification(events.Broadcast, events.LoadCreated)); err == nil {
		t.Fatalf("expected redis error to surface")
	}
}

type sinkFunc func(context.Context, events.Notification) error

func (f sinkFunc) Publish(ctx context.Context, n events.Notification) error { return f(ctx, n) }

func TestRedisSubscriberDeliver(t *testing.T) {
	var got events.Notification
	s := &RedisSubscriber{Sink: sinkFunc(func(_ context.Context, n events.Notification) error { got = n; return nil })}
	payload, _ := events.Encode(events.Notification{Event: events.Event{Name: events.PODUploaded}})
	if err := s.deliver(context.Background(), "fleetxchange:load:l9", payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.Topic != "load:l9" || got.Event.Name != events.PODUploaded {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if err := s.deliver(context.Background(), "fleetxchange:x", []byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestWebhookPublisher(t *testing.T) {
	var mu sync.Mutex
	var hits int
	var lastEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		lastEvent = r.Header.Get("X-Event-Name")
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "secret")
	if err := p.Publish(context.Background(), notification(events.UserTopic("c1"), events.InvoiceGenerated)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Publish(context.Background(), notification(events.LoadTopic("l1"), events.LoadUpdated)); err != nil {
		t.Fatalf("load topics are skipped, got %v", err)
	}
	mu.Lock()
	if hits != 1 || lastEvent != string(events.InvoiceGenerated) {
		t.Fatalf("expected one webhook call, hits=%d event=%q", hits, lastEvent)
	}
	mu.Unlock()

	bad := NewWebhookPublisher(srv.URL, "wrong")
	if err := bad.Publish(context.Background(), notification(events.UserTopic("c1"), events.InvoiceGenerated)); err == nil {
		t.Fatalf("expected non-2xx to fail")
	}
}
