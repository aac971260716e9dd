package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/fleetxchange/internal/events"
)

// fakePublisher fails the first fail calls and then succeeds.
type fakePublisher struct {
	fail  int
	calls int
	got   []events.Notification
}

func (f *fakePublisher) Publish(_ context.Context, n events.Notification) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("publish fail")
	}
	f.got = append(f.got, n)
	return nil
}

func note() events.Notification {
	return events.Notification{Topic: "user:client-1", Event: events.Event{Name: events.LoadCreated}}
}

func TestPublishWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakePublisher{fail: 2}
	start := time.Now()
	if err := publishWithRetry(context.Background(), f, note(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 || len(f.got) != 1 {
		t.Fatalf("expected 3 calls and one delivery, got calls=%d delivered=%d", f.calls, len(f.got))
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected two backoffs")
	}
}

func TestPublishWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakePublisher{fail: 5}
	if err := publishWithRetry(context.Background(), f, note(), 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestPublishWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakePublisher{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := publishWithRetry(ctx, f, note(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.calls)
	}
}

func TestDecodeMessage(t *testing.T) {
	b, err := events.Encode(note())
	if err != nil {
		t.Fatal(err)
	}
	n, err := decodeMessage([]byte("ignored"), b)
	if err != nil || n.Topic != "user:client-1" {
		t.Fatalf("unexpected decode result %+v err=%v", n, err)
	}

	n, err = decodeMessage([]byte("load:l1"), []byte(`{"event":{"event":"load.created"}}`))
	if err != nil || n.Topic != "load:l1" {
		t.Fatalf("expected the key to supply the topic, got %+v err=%v", n, err)
	}

	if _, err := decodeMessage(nil, []byte(`{"event":{}}`)); err == nil {
		t.Fatalf("expected an error without a topic")
	}
	if _, err := decodeMessage(nil, []byte("not json")); err == nil {
		t.Fatalf("expected an error for invalid json")
	}
}
