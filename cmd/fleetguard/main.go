// Package main is the entry point for the FleetGuard alert lifecycle service.
// It wires the event sources, the lifecycle engine, the escalation monitor
// and the HTTP API, then runs until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fleetguard/internal/api"
	"fleetguard/internal/banner"
	"fleetguard/internal/config"
	"fleetguard/internal/domain"
	"fleetguard/internal/escalation"
	"fleetguard/internal/flood"
	"fleetguard/internal/ingest"
	"fleetguard/internal/lifecycle"
	"fleetguard/internal/notification"
	"fleetguard/internal/persist"
	"fleetguard/internal/queue"
	kafkaqueue "fleetguard/internal/queue/kafka"
	memoryqueue "fleetguard/internal/queue/memory"
	"fleetguard/internal/report"
	"fleetguard/internal/store"
	memorystor "fleetguard/internal/store/memory"
	postgresstor "fleetguard/internal/store/postgres"
	redisstor "fleetguard/internal/store/redis"
	"fleetguard/internal/violation"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		initLogger(config.Default().Logger).Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logger)
	banner.Print(os.Stdout, string(cfg.Storage.Mode))

	logger.Info("configuration loaded",
		"path", *configPath,
		"storageMode", cfg.Storage.Mode,
	)

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize dependencies based on storage mode
	deps, cleanup, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := deps.start(ctx, cancel, logger); err != nil {
		logger.Error("failed to start components", "error", err)
		os.Exit(1)
	}

	// Start HTTP server
	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("FleetGuard started",
		"address", cfg.Server.Address(),
		"storageMode", cfg.Storage.Mode,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	deps.stop(shutdownCtx, logger)
	logger.Info("FleetGuard stopped")
}

// component is a background worker with a Start/Stop lifecycle.
type component interface {
	Start(ctx context.Context) error
	Stop()
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server      *api.Server
	service     *lifecycle.Service
	repo        store.AlertRepository
	writer      *persist.Writer
	dispatcher  *report.Dispatcher
	hub         *notification.Hub
	sinks       []notification.Sink
	monitor     *escalation.Monitor
	sources     []component
	queueSource *ingest.QueueSource
}

// start restores persisted alerts and launches every background worker.
// Alerts are restored before any source runs so replays are recognized.
func (d *dependencies) start(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	if _, err := d.service.Restore(ctx, d.repo); err != nil {
		return err
	}

	d.writer.Start(ctx)
	d.dispatcher.Start(ctx)
	for _, sink := range d.sinks {
		d.hub.Attach(ctx, sink, 0)
	}

	if err := d.monitor.Start(ctx); err != nil {
		return err
	}

	if d.queueSource != nil {
		go func() {
			if err := d.queueSource.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("queue source error", "error", err)
				cancel()
			}
		}()
	}

	for _, src := range d.sources {
		if err := src.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stop halts producers of work before the workers that drain it.
func (d *dependencies) stop(ctx context.Context, logger *slog.Logger) {
	for _, src := range d.sources {
		src.Stop()
	}
	d.monitor.Stop()
	d.dispatcher.Stop()

	if err := d.writer.Flush(ctx); err != nil {
		logger.Warn("persistence flush incomplete", "error", err)
	}
	d.writer.Stop()
	d.hub.Close()
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		seen         store.SeenCache
		alertRepo    store.AlertRepository
		producer     queue.Producer
		consumer     queue.Consumer
		generator    report.Generator
		sinks        []notification.Sink
		cleanupFuncs []func()
	)

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	sinks = append(sinks, notification.NewLogSink(logger))

	if cfg.Storage.UseMemory() {
		// Initialize in-memory implementations
		logger.Info("initializing in-memory storage")

		memSeen := memorystor.NewSeenCache(cfg.Engine.DedupTTL, cfg.Engine.DedupCapacity)
		seen = memSeen
		cleanupFuncs = append(cleanupFuncs, func() { _ = memSeen.Close() })

		alertRepo = memorystor.NewAlertRepository()

		memQueue := memoryqueue.NewQueue(10000)
		producer = memQueue
		consumer = memQueue
		cleanupFuncs = append(cleanupFuncs, func() { _ = memQueue.Close() })

		generator = report.NewLogGenerator(logger)
	} else {
		// Initialize real storage implementations
		logger.Info("initializing production storage (Kafka, Redis, PostgreSQL)")

		db, err := postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		// Run migrations
		if err := db.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("database migrations completed")

		alertRepo = postgresstor.NewAlertRepository(db)

		// Initialize Redis
		redisClient, err := redisstor.NewClient(&cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, func() { _ = redisClient.Close() })

		seen = redisstor.NewSeenCache(redisClient, cfg.Engine.DedupTTL)
		sinks = append(sinks, notification.NewRedisSink(redisClient, cfg.Notification.RedisChannel))

		// Initialize Kafka
		reportProducer := kafkaqueue.NewProducer(&cfg.Kafka, cfg.Kafka.ReportTopic)
		cleanupFuncs = append(cleanupFuncs, func() { _ = reportProducer.Close() })
		generator = report.NewQueueGenerator(reportProducer)

		if cfg.Sources.Kafka.Enabled {
			eventProducer := kafkaqueue.NewProducer(&cfg.Kafka, cfg.Kafka.EventTopic)
			producer = eventProducer
			cleanupFuncs = append(cleanupFuncs, func() { _ = eventProducer.Close() })

			eventConsumer := kafkaqueue.NewConsumer(&cfg.Kafka, cfg.Kafka.EventTopic, logger)
			consumer = eventConsumer
			cleanupFuncs = append(cleanupFuncs, func() { _ = eventConsumer.Close() })
		}
	}

	hub := notification.NewHub(logger)

	writer := persist.NewWriter(alertRepo, persist.DefaultBuffer, logger)
	writer.OnError(func(kind persist.OpKind, alertID string, err error) {
		logger.Error("alert write lost", "op", kind, "alertID", alertID, "error", err)
	})

	dispatcher := report.NewDispatcher(generator, report.Config{
		Buffer:         cfg.Report.Buffer,
		RecentOutcomes: cfg.Report.RecentOutcomes,
		MaxFailures:    cfg.Report.Breaker.MaxFailures,
		OpenTimeout:    cfg.Report.Breaker.OpenTimeout,
	}, logger)

	violationTypes := make([]domain.AlertType, 0, len(cfg.Engine.ViolationAlertTypes))
	for _, t := range cfg.Engine.ViolationAlertTypes {
		violationTypes = append(violationTypes, domain.NormalizeAlertType(t))
	}

	service := lifecycle.NewService(lifecycle.Dependencies{
		Store:     memorystor.NewAlertStore(),
		Persister: writer,
		Flood: flood.NewDetector(flood.Config{
			Window:    cfg.Engine.FloodWindow(),
			Buckets:   cfg.Engine.FloodBuckets,
			Threshold: cfg.Engine.FloodThresholdCount,
			Scope:     flood.Scope(cfg.Engine.FloodScope),
		}),
		Violations: violation.NewAggregator(violation.Config{
			AlertTypes: violationTypes,
			Window:     cfg.Engine.ViolationWindow(),
			BatchSize:  cfg.Engine.ViolationBatchSize,
		}),
		Reports:   dispatcher,
		Publisher: hub,
		Policy: domain.NewEscalationPolicy(
			cfg.Engine.SLA(),
			cfg.Escalation.Targets,
			cfg.Escalation.DefaultTarget,
		),
		Logger: logger,
	})

	adapter := ingest.NewAdapter(service, seen, logger)

	deps := &dependencies{
		service:    service,
		repo:       alertRepo,
		writer:     writer,
		dispatcher: dispatcher,
		hub:        hub,
		sinks:      sinks,
		monitor:    escalation.NewMonitor(service, cfg.Escalation.Interval, logger),
	}

	if url := cfg.Sources.WebSocket.URL; url != "" {
		deps.sources = append(deps.sources, ingest.NewWebSocketSource(url, adapter, cfg.Sources.WebSocket.MaxBackoff, logger))
	}
	if url := cfg.Sources.Poll.URL; url != "" {
		deps.sources = append(deps.sources, ingest.NewPoller(url, cfg.Sources.Poll.Interval, adapter, logger))
	}

	// POST /v1/events is only served when something consumes the event queue.
	var ingestHandler *api.IngestHandler
	if consumer != nil {
		deps.queueSource = ingest.NewQueueSource(consumer, adapter, logger)
		ingestHandler = api.NewIngestHandler(ingest.NewService(producer, logger), logger)
	}

	deps.server = api.NewServer(api.ServerDeps{
		Config:        &cfg.Server,
		Logger:        logger,
		AlertHandler:  api.NewAlertHandler(service, logger),
		StatusHandler: api.NewStatusHandler(service, logger),
		StreamHandler: api.NewStreamHandler(hub, logger),
		IngestHandler: ingestHandler,
	})

	return deps, cleanup, nil
}

// initLogger creates and configures the application logger.
func initLogger(cfg config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
