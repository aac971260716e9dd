package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally against the in-memory store without extra setup.
type ServerConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"memory"`
	PGDSN         string `env:"PG_DSN"`
	BadgerPath    string `env:"BADGER_PATH" envDefault:"data/badger"`
	RunMigrations bool   `env:"MIGRATE"`

	// EligibilityDSN points the gate at an external identity database.
	// When empty the gate reads verification documents from the store.
	EligibilityDSN string `env:"ELIGIBILITY_DSN"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisGeoKey   string `env:"REDIS_GEO_KEY" envDefault:"loads_geo"`

	// OSRMURL enables road distances for loads.
	OSRMURL      string        `env:"OSRM_URL"`
	OSRMCacheTTL time.Duration `env:"OSRM_CACHE_TTL" envDefault:"1h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"fleet-events"`

	EventTransport string `env:"EVENT_TRANSPORT" envDefault:"local"`
	EventQueueSize int    `env:"EVENT_QUEUE_SIZE" envDefault:"1024"`
	WebhookURL     string `env:"NOTIFY_WEBHOOK_URL"`
	WebhookToken   string `env:"NOTIFY_WEBHOOK_TOKEN"`

	JWTSecret    string `env:"JWT_SECRET"`
	StripeAPIKey string `env:"STRIPE_API_KEY"`

	DefaultCommissionPercent float64 `env:"DEFAULT_COMMISSION_PERCENT" envDefault:"10"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
}

// RelayConfig configures the Kafka to Redis event relay.
type RelayConfig struct {
	MetricsAddr   string   `env:"RELAY_METRICS_ADDR" envDefault:":2112"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic    string   `env:"KAFKA_TOPIC" envDefault:"fleet-events"`
	KafkaGroup    string   `env:"KAFKA_GROUP" envDefault:"fleetxchange-relay"`
	RedisAddr     string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string   `env:"REDIS_PASSWORD"`
	LogLevel      string   `env:"LOG_LEVEL" envDefault:"info"`
}

// loadDotEnv reads a .env file when present. Real environment variables win.
func loadDotEnv() error {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.EventTransport = strings.ToLower(cfg.EventTransport)
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "memory", "badger":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, errors.New("PG_DSN is required when STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be memory, postgres or badger, got %q", c.StoreDriver))
	}
	switch c.EventTransport {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when EVENT_TRANSPORT=redis"))
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when EVENT_TRANSPORT=kafka"))
		}
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when EVENT_TRANSPORT=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("EVENT_TRANSPORT must be local, redis or kafka, got %q", c.EventTransport))
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, errors.New("EVENT_QUEUE_SIZE must be > 0"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.DefaultCommissionPercent < 0 || c.DefaultCommissionPercent > 100 {
		errs = append(errs, errors.New("DEFAULT_COMMISSION_PERCENT must be within 0..100"))
	}
	return errors.Join(errs...)
}

func LoadRelayConfig() (RelayConfig, error) {
	var cfg RelayConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must not be empty"))
	}
	if cfg.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
