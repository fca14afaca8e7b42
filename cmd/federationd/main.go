package main

import (
	"PortfolioFederation/internal/adapter"
	"PortfolioFederation/internal/config"
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/ingestion"
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/persistence"
	"PortfolioFederation/internal/reconcile"
	"PortfolioFederation/internal/registry"
	"PortfolioFederation/internal/scheduler"
	"PortfolioFederation/internal/server"
	"PortfolioFederation/internal/syncrun"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const readinessInterval = 15 * time.Second

func main() {
	boot := observability.NewLogger("federationd")

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := observability.NewLoggerWithLevel("federationd", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("portfolio federation starting")

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := persistence.OpenDB(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer db.Close()
	logger.Info().Msg("postgres connected")

	// --- Run SQL migrations ---
	migrator, err := persistence.NewMigrator(cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create migrator")
	}
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	if err := migrator.Close(); err != nil {
		logger.Warn().Err(err).Msg("close migrator")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Core ---
	store := persistence.NewPostgresStore(db, logger)
	sources := registry.New(store, cfg.DefaultPriority, logger)
	adapters := buildAdapters(cfg, metrics, logger)
	checker := digest.NewChecker(store, cfg.DedupWindow, metrics)
	orch := syncrun.New(store, sources, adapters, checker, syncrun.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		Workers:        cfg.SourceWorkers,
	}, metrics, logger)
	engine := reconcile.New(store, metrics, logger)

	// --- Recovery: runs left active by a previous process ---
	if cfg.StaleRunTimeout > 0 {
		n, err := orch.ResetStaleRuns(ctx, cfg.StaleRunTimeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("reset stale runs")
		}
		if n > 0 {
			logger.Warn().Int("runs", n).Msg("reset stale runs at startup")
		}
	}

	// --- NATS (optional) ---
	var publisher scheduler.Publisher = scheduler.NopPublisher{}
	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats")
		}
		defer nc.Drain()
		logger.Info().Str("url", cfg.NATSURL).Msg("nats connected")

		js = stream
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure nats streams")
		}
		publisher = ingestion.NewEventPublisher(js, metrics, logger)
	} else {
		logger.Info().Msg("FEDERATION_NATS_URL not set, messaging disabled")
	}

	sched := scheduler.New(orch, engine, store, publisher, cfg.ScheduleEvery, logger)

	var subscriber *ingestion.TriggerSubscriber
	if js != nil {
		subscriber = ingestion.NewTriggerSubscriber(js, sched, 0, metrics, logger)
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
	}

	// --- Servers ---
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, server.Deps{
		Glue:     sched,
		Runs:     orch,
		Sources:  sources,
		Book:     store,
		Health:   health,
		Gatherer: prometheus.DefaultGatherer,
		SyncRate: cfg.TriggerRatePerSec,
		Logger:   logger,
	})
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, health, logger)

	// --- Start goroutines ---
	errChan := make(chan error, 3)
	running := 3
	go func() { errChan <- httpServer.Start(ctx) }()
	go func() { errChan <- grpcServer.Start(ctx) }()
	go func() { errChan <- sched.Run(ctx) }()
	go watchReadiness(ctx, store, health, logger)

	logger.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Dur("schedule", cfg.ScheduleEvery).
		Msg("portfolio federation ready")

	// --- Wait for shutdown signal ---
	select {
	case <-ctx.Done():
		logger.Info().Msg("received signal, shutting down")
	case err := <-errChan:
		running--
		if err != nil {
			logger.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	stop()
	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}

	// Give servers time to drain
	shutdownTimer := time.NewTimer(10 * time.Second)
	defer shutdownTimer.Stop()
	for ; running > 0; running-- {
		select {
		case <-errChan:
		case <-shutdownTimer.C:
			logger.Warn().Msg("shutdown timed out")
			os.Exit(1)
		}
	}
	logger.Info().Msg("portfolio federation stopped")
}

// buildAdapters registers an HTTP adapter for every automatic source type
// whose service URL is configured. Types left out fail their sources with
// not_configured.
func buildAdapters(cfg config.Config, metrics *observability.Metrics, logger zerolog.Logger) *adapter.Registry {
	opts := adapter.HTTPOptions{
		Timeout:    cfg.AdapterTimeout,
		RetryBase:  cfg.AdapterRetryBase,
		RatePerSec: cfg.AdapterRatePerSec,
		Metrics:    metrics,
		Logger:     logger,
	}

	adapters := adapter.NewRegistry()
	if cfg.IbkrFlexURL != "" {
		adapters.Register(model.SourceIbkrFlex, adapter.NewIbkrFlex(cfg.IbkrFlexURL, opts))
	} else {
		logger.Warn().Msg("ADAPTER_IBKR_FLEX_URL not set, ibkr_flex sources will fail")
	}
	if cfg.KucoinURL != "" {
		adapters.Register(model.SourceKucoin, adapter.NewKucoin(cfg.KucoinURL, opts))
	} else {
		logger.Warn().Msg("ADAPTER_KUCOIN_URL not set, kucoin sources will fail")
	}
	return adapters
}

// watchReadiness keeps the health checker in step with database reachability.
func watchReadiness(ctx context.Context, store *persistence.PostgresStore, health *observability.HealthChecker, logger zerolog.Logger) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := store.Ping(pingCtx)
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("readiness check failed")
		}
		health.SetReady(err == nil)
	}

	check()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
