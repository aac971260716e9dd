package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleetxchange/internal/events"
)

// ChannelPrefix namespaces topic channels on a shared Redis.
const ChannelPrefix = "fleetxchange:"

// RedisClient is the subset of go-redis used for publishing.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher fans notifications out to every API instance via pub/sub.
type RedisPublisher struct {
	Client RedisClient
}

func (p *RedisPublisher) Publish(ctx context.Context, n events.Notification) error {
	b, err := events.Encode(n)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, ChannelPrefix+n.Topic, b).Err()
}

// RedisSubscriber delivers notifications received from Redis into a local sink.
type RedisSubscriber struct {
	Client *redis.Client
	Sink   events.Publisher
	Logger *slog.Logger
}

// Run pattern-subscribes to all topic channels until ctx ends.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ps := s.Client.PSubscribe(ctx, ChannelPrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	logger.Info("redis subscriber started", "pattern", ChannelPrefix+"*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.deliver(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				logger.Warn("redis message dropped", "channel", msg.Channel, "error", err)
			}
		}
	}
}

func (s *RedisSubscriber) deliver(ctx context.Context, channel string, payload []byte) error {
	n, err := events.Decode(payload)
	if err != nil {
		return err
	}
	if topic := strings.TrimPrefix(channel, ChannelPrefix); n.Topic == "" {
		n.Topic = topic
	}
	return s.Sink.Publish(ctx, n)
}
