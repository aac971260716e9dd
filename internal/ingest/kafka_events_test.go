package ingest

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/example/fleetxchange/internal/events"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByTopic(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w)
	n := events.Notification{Topic: events.LoadTopic("l1"), Event: events.Event{Name: events.BidAccepted}}
	if err := p.Publish(context.Background(), n); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "load:l1" {
		t.Fatalf("unexpected key %q", m.Key)
	}
	back, err := events.Decode(m.Value)
	if err != nil || back.Event.Name != events.BidAccepted || back.Topic != "load:l1" {
		t.Fatalf("unexpected payload %+v err=%v", back, err)
	}
}
