// Package events defines workflow notifications and the topics they are
// delivered on.
package events

import (
	"context"
	"encoding/json"
	"time"
)

type Name string

const (
	LoadCreated         Name = "load.created"
	LoadUpdated         Name = "load.updated"
	LoadStatusChanged   Name = "load.statusChanged"
	LoadDeleted         Name = "load.deleted"
	LoadRestored        Name = "load.restored"
	BidCreated          Name = "bid.created"
	BidUpdated          Name = "bid.updated"
	BidAccepted         Name = "bid.accepted"
	BidStatusChanged    Name = "bid.statusChanged"
	PODUploaded         Name = "pod.uploaded"
	PODReviewed         Name = "pod.reviewed"
	InvoiceSubmitted    Name = "invoice.submitted"
	InvoiceGenerated    Name = "invoice.generated"
	InvoiceStatusChange Name = "invoice.statusChanged"
	PaymentInitiated    Name = "payment.initiated"
	PaymentStatusChange Name = "payment.statusChanged"
	DocumentSubmitted   Name = "document.submitted"
	DocumentVerified    Name = "document.verified"
)

const Broadcast = "broadcast"

func UserTopic(accountID string) string { return "user:" + accountID }
func LoadTopic(loadID string) string    { return "load:" + loadID }

// Event is what subscribers receive: the event name and a snapshot of the
// entity after the change.
type Event struct {
	Name       Name            `json:"event"`
	Entity     json.RawMessage `json:"entity"`
	ActorID    string          `json:"actor_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notification is one event addressed to one topic. It is also the wire
// envelope used by the Redis and Kafka transports.
type Notification struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

func Encode(n Notification) ([]byte, error) { return json.Marshal(n) }

func Decode(b []byte) (Notification, error) {
	var n Notification
	err := json.Unmarshal(b, &n)
	return n, err
}

// Publisher delivers one notification to a transport.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Notifier accepts the notifications produced by one committed operation.
type Notifier interface {
	Notify(b *Batch)
}

// Batch collects the notifications of one operation in emission order.
type Batch struct {
	actorID string
	at      time.Time
	items   []Notification
	err     error
}

func NewBatch(actorID string, at time.Time) *Batch {
	return &Batch{actorID: actorID, at: at}
}

// Add snapshots entity once and addresses it to each distinct, non-empty topic.
func (b *Batch) Add(name Name, entity any, topics ...string) {
	raw, err := json.Marshal(entity)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	ev := Event{Name: name, Entity: raw, ActorID: b.actorID, OccurredAt: b.at}
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t == "" || t == "user:" || t == "load:" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		b.items = append(b.items, Notification{Topic: t, Event: ev})
	}
}

func (b *Batch) Notifications() []Notification {
	if b == nil {
		return nil
	}
	return b.items
}

func (b *Batch) Len() int { return len(b.Notifications()) }

// Err reports the first entity that could not be encoded.
func (b *Batch) Err() error { return b.err }
