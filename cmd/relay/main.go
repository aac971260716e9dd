package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/fleetxchange/internal/config"
	"github.com/example/fleetxchange/internal/dispatch"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/ingest"
	"github.com/example/fleetxchange/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_consumed_total",
		Help: "Total event messages read from Kafka",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_invalid_total",
		Help: "Total event messages that could not be decoded",
	})
	redisPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_publishes_total",
		Help: "Total notifications published to Redis",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_errors_total",
		Help: "Total notifications that exhausted their Redis retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisPublishes, redisErrors)
}

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		logging.NewLogger("fleetxchange-relay", "info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("fleetxchange-relay", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pub := &dispatch.RedisPublisher{Client: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := ingest.NewEventReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup)
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("relay listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down relay")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		n, err := decodeMessage(m.Key, m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := publishWithRetry(ctx, pub, n, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis publish failed", "topic", n.Topic, "event", n.Event.Name, "error", err)
			continue
		}
		redisPublishes.Inc()
	}
}

// decodeMessage parses a Kafka event message. Messages written before the
// topic was embedded in the payload carry it only in the key.
func decodeMessage(key, value []byte) (events.Notification, error) {
	n, err := events.Decode(value)
	if err != nil {
		return n, err
	}
	if n.Topic == "" {
		n.Topic = string(key)
	}
	if n.Topic == "" {
		return n, errors.New("message has no topic")
	}
	return n, nil
}

func publishWithRetry(ctx context.Context, pub events.Publisher, n events.Notification, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = pub.Publish(ctx, n); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
