package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fleetxchange/internal/observability"
)

// Sink is a named Publisher so failures can be attributed in logs and metrics.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Dispatcher publishes batches after the owning operation has committed.
// Notify never blocks: when the queue is full the batch is dropped and
// logged. A single worker publishes in arrival order, so notifications on
// one topic reach each sink in the order they were produced.
type Dispatcher struct {
	sinks   []Sink
	queue   chan []Notification
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(logger *slog.Logger, queueSize int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan []Notification, queueSize),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(b *Batch) {
	if b == nil {
		return
	}
	if err := b.Err(); err != nil {
		d.logger.Error("event batch encode failed", "error", err)
	}
	items := b.Notifications()
	if len(items) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("dispatcher closed, dropping events", "count", len(items))
		return
	}
	select {
	case d.queue <- items:
	default:
		observability.EventsDropped.Inc()
		d.logger.Warn("event queue full, dropping batch", "count", len(items), "first_event", items[0].Event.Name)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for items := range d.queue {
		for _, n := range items {
			d.publish(n)
		}
	}
}

func (d *Dispatcher) publish(n Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Publisher.Publish(ctx, n)
		cancel()
		if err != nil {
			observability.EventsPublished.WithLabelValues(s.Name, "error").Inc()
			d.logger.Warn("event publish failed",
				"sink", s.Name,
				"event", n.Event.Name,
				"topic", n.Topic,
				"error", err,
			)
			continue
		}
		observability.EventsPublished.WithLabelValues(s.Name, "ok").Inc()
	}
}

// Close stops accepting batches and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
