package main

import (
	"PortfolioFederation/internal/config"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/persistence"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|version>")
		fmt.Println("  up      - apply all pending migrations")
		fmt.Println("  down    - roll back the last migration")
		fmt.Println("  version - print the applied schema version")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  FEDERATION_POSTGRES_DSN - Postgres connection string")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migrator, err := persistence.NewMigrator(cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create migrator")
	}
	defer migrator.Close()

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}

	case "version":
		v, dirty, err := migrator.Version()
		if err != nil {
			logger.Fatal().Err(err).Msg("read version")
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'version')\n", os.Args[1])
		os.Exit(1)
	}
}
