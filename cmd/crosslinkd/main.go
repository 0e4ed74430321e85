package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"crosslink/internal/alert"
	"crosslink/internal/bootstrap"
	"crosslink/internal/core"
	"crosslink/internal/events"
	"crosslink/internal/feed"
	"crosslink/internal/health"
	"crosslink/internal/hub"
	"crosslink/internal/ingest"
	"crosslink/internal/ledger"
	"crosslink/internal/lookup"
	"crosslink/internal/sequencer"
	"crosslink/internal/server"
	"crosslink/internal/store"
	"crosslink/pkg/concurrency"
	"crosslink/pkg/telemetry"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

// runnerFunc adapts a closure to the bootstrap.Runner interface.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func main() {
	configPath := flag.String("config", "configs/crosslinkd.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("crosslinkd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load .env before the config layer expands ${VAR} references.
	_ = godotenv.Load()

	if envConfig := os.Getenv("CROSSLINK_CONFIG"); envConfig != "" {
		*configPath = envConfig
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting crosslinkd",
		"version", version,
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"kafka_enabled", cfg.Kafka.Enabled,
	)

	tel, err := telemetry.Setup(telemetry.Config{
		ServiceName:    "crosslink",
		ServiceVersion: version,
		StdoutTraces:   cfg.Telemetry.StdoutTraces,
		StdoutLogs:     cfg.Telemetry.StdoutLogs,
	})
	if err != nil {
		logger.Warn("Telemetry setup failed, continuing without exporters", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	stateStore, err := newStateStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open state store", "error", err)
	}
	defer stateStore.Close()

	updateHub := hub.New(cfg.Hub.SubscriberBuffer, logger)
	defer updateHub.Close()

	cancelPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "CancelPool",
		MaxWorkers:  cfg.Concurrency.CancelPoolSize,
		MaxCapacity: cfg.Concurrency.CancelPoolBuffer,
		NonBlocking: true,
	}, logger)
	defer cancelPool.Stop()

	alerts := alert.NewManager(logger)
	if cfg.Alerting.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerting.SlackWebhookURL))
	}
	if cfg.Alerting.TelegramBotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerting.TelegramBotToken, cfg.Alerting.TelegramChatID))
	}

	book := ledger.New(ledger.Config{
		RecentFillsCap:  cfg.Ledger.RecentFillsCap,
		MaxExpMagnitude: cfg.Ledger.MaxExpMagnitude,
		OnHalt:          alerts.KeyHalted,
	}, updateHub, cancelPool, logger)

	if err := restoreState(stateStore, book, logger); err != nil {
		logger.Fatal("Failed to restore ledger state", "error", err)
	}

	var publisher core.EventPublisher
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(events.Config{
			Brokers:           cfg.Kafka.Brokers,
			TargetTopic:       cfg.Kafka.TargetTopic,
			CancellationTopic: cfg.Kafka.CancellationTopic,
			MaxRetries:        cfg.Kafka.MaxRetries,
			RetryBackoff:      time.Duration(cfg.Kafka.RetryBackoffMillis) * time.Millisecond,
		}, logger)
	} else {
		publisher = events.NewNoopPublisher()
	}
	defer publisher.Close()

	seq := sequencer.New(book, publisher, cfg.Ledger.MaxExpMagnitude, logger)
	ingestor := ingest.New(book, time.Duration(cfg.Ingest.DedupWindowSeconds)*time.Second, logger)
	directory := lookup.New(cfg.Lookup.Instruments, cfg.Lookup.Locations, logger)

	healthMgr := health.NewManager(logger)
	if p, ok := stateStore.(interface{ Ping() error }); ok {
		healthMgr.Register("store", p.Ping)
	}

	apiServer := server.New(cfg.Server, seq, book, updateHub, directory, healthMgr, logger)
	persister := store.NewPersister(stateStore, book,
		time.Duration(cfg.Store.PersistIntervalSeconds)*time.Second, logger)

	runners := []bootstrap.Runner{
		runnerFunc(func(ctx context.Context) error {
			return apiServer.Run(ctx, cfg.Server.Port)
		}),
		persister,
		ingestor,
	}

	if cfg.Kafka.Enabled {
		consumer := feed.NewConsumer(feed.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.FillTopic,
			GroupID:        cfg.Kafka.GroupID,
			SessionTimeout: time.Duration(cfg.Kafka.SessionTimeoutSeconds) * time.Second,
		}, ingestor, logger)
		runners = append(runners, consumer)
	}

	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

func newStateStore(cfg *bootstrap.Config, logger core.ILogger) (core.IStateStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		logger.Info("Using SQLite state store", "path", cfg.Store.Path)
		return store.NewSQLiteStore(cfg.Store.Path)
	default:
		logger.Info("Using in-memory state store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func restoreState(s core.IStateStore, book *ledger.Ledger, logger core.ILogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := s.LoadState(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		logger.Info("No previous ledger state found, starting empty")
		return nil
	}

	book.Restore(state)
	logger.Info("Restored ledger state",
		"positions", len(state.Positions),
		"saved_at", state.SavedAt,
	)
	return nil
}
