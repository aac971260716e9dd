package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/config"
	"github.com/example/fleetxchange/internal/dispatch"
	"github.com/example/fleetxchange/internal/eligibility"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/geo"
	httpapi "github.com/example/fleetxchange/internal/http"
	"github.com/example/fleetxchange/internal/ingest"
	"github.com/example/fleetxchange/internal/logging"
	"github.com/example/fleetxchange/internal/payments"
	"github.com/example/fleetxchange/internal/storage"
	"github.com/example/fleetxchange/internal/telemetry"
	"github.com/example/fleetxchange/internal/verification"
	"github.com/example/fleetxchange/internal/workflow"
)

const serviceName = "fleetxchange-api"

// loadObserver lets the hub consult the engine, which is built after it.
type loadObserver struct{ engine *workflow.Engine }

func (o *loadObserver) CanObserveLoad(ctx context.Context, actor access.Actor, loadID string) (bool, error) {
	return o.engine.CanObserveLoad(ctx, actor, loadID)
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger(serviceName, "info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				_ = pg.Close()
				return nil, err
			}
			logger.Info("migrations applied", "files", applied)
		}
		return pg, nil
	case "badger":
		return storage.NewBadgerStore(cfg.BadgerPath)
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var checker eligibility.Checker = eligibility.StoreChecker{Store: store}
	if cfg.EligibilityDSN != "" {
		gc, err := eligibility.OpenGormChecker(cfg.EligibilityDSN)
		if err != nil {
			return err
		}
		defer gc.Close()
		checker = gc
	}
	gate := eligibility.NewGate(checker, logger)

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
	}

	observer := &loadObserver{}
	hub := dispatch.NewHub(observer, logger)

	var sinks []events.Sink
	switch cfg.EventTransport {
	case "redis":
		sinks = append(sinks, events.Sink{Name: "redis", Publisher: &dispatch.RedisPublisher{Client: rc}})
	case "kafka":
		kp := ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sinks = append(sinks, events.Sink{Name: "kafka", Publisher: kp})
	default:
		sinks = append(sinks, events.Sink{Name: "ws", Publisher: hub})
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, events.Sink{Name: "webhook", Publisher: dispatch.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookToken)})
	}
	// With a shared transport, every instance feeds its own sockets from Redis.
	if cfg.EventTransport != "local" {
		sub := &dispatch.RedisSubscriber{Client: rc, Sink: hub, Logger: logger}
		go func() {
			if err := sub.Run(ctx); err != nil {
				logger.Error("redis subscriber stopped", "error", err)
			}
		}()
	}
	dispatcher := events.NewDispatcher(logger, cfg.EventQueueSize, sinks...)

	var gateway payments.Gateway = payments.OfflineGateway{}
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	}
	var index geo.Geo = geo.NewIndex()
	if rc != nil {
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}
	var routes geo.Router
	if cfg.OSRMURL != "" {
		routes = geo.NewOSRMRouter(cfg.OSRMURL, cfg.OSRMCacheTTL)
	}

	engine := workflow.New(workflow.Config{
		Store:                    store,
		Gate:                     gate,
		Notifier:                 dispatcher,
		Payments:                 gateway,
		Geo:                      index,
		Routes:                   routes,
		Logger:                   logger,
		DefaultCommissionPercent: &cfg.DefaultCommissionPercent,
	})
	observer.engine = engine

	srv := httpapi.NewServer(httpapi.Deps{
		Engine:    engine,
		Documents: verification.NewService(store, dispatcher, logger),
		Gate:      gate,
		Hub:       hub,
		Auth:      httpapi.NewAuthenticator(cfg.JWTSecret),
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fleetxchange listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "events", cfg.EventTransport)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("event queue not drained", "error", err)
	}
	return nil
}
