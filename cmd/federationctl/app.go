package main

import (
	"PortfolioFederation/internal/adapter"
	"PortfolioFederation/internal/config"
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/persistence"
	"PortfolioFederation/internal/reconcile"
	"PortfolioFederation/internal/registry"
	"PortfolioFederation/internal/scheduler"
	"PortfolioFederation/internal/syncrun"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"
)

// app is the in-process wiring shared by every subcommand.
type app struct {
	db      *sql.DB
	store   *persistence.PostgresStore
	sources *registry.Registry
	orch    *syncrun.Orchestrator
	engine  *reconcile.Engine
	sched   *scheduler.Scheduler
	logger  zerolog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLoggerWithLevel("federationctl", observability.ParseLogLevel(cfg.LogLevel))

	db, err := persistence.OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := persistence.NewPostgresStore(db, logger)
	sources := registry.New(store, cfg.DefaultPriority, logger)

	opts := adapter.HTTPOptions{
		Timeout:    cfg.AdapterTimeout,
		RetryBase:  cfg.AdapterRetryBase,
		RatePerSec: cfg.AdapterRatePerSec,
		Logger:     logger,
	}
	adapters := adapter.NewRegistry()
	if cfg.IbkrFlexURL != "" {
		adapters.Register(model.SourceIbkrFlex, adapter.NewIbkrFlex(cfg.IbkrFlexURL, opts))
	}
	if cfg.KucoinURL != "" {
		adapters.Register(model.SourceKucoin, adapter.NewKucoin(cfg.KucoinURL, opts))
	}

	orch := syncrun.New(store, sources, adapters, digest.NewChecker(store, cfg.DedupWindow, nil), syncrun.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		Workers:        cfg.SourceWorkers,
	}, nil, logger)
	engine := reconcile.New(store, nil, logger)

	return &app{
		db:      db,
		store:   store,
		sources: sources,
		orch:    orch,
		engine:  engine,
		sched:   scheduler.New(orch, engine, store, nil, 0, logger),
		logger:  logger,
	}, nil
}

func (a *app) Close() { a.db.Close() }

// withApp opens the app, runs fn and maps its error to an exit status.
func withApp(ctx context.Context, fn func(*app) error) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := fn(a); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireUser(userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("-user is required")
	}
	return nil
}

// kvFlag collects repeated -config key=value flags.
type kvFlag map[string]string

func (kv kvFlag) String() string {
	parts := make([]string, 0, len(kv))
	for k, v := range kv {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (kv kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	kv[strings.TrimSpace(k)] = v
	return nil
}

var _ flag.Value = kvFlag{}
