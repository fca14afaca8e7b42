package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationsTable keeps this service's versions apart from other schemas
// sharing the database.
const MigrationsTable = "federation_schema_migrations"

// Migrator applies the embedded SQL migrations in version order.
// Files follow golang-migrate naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db     *sql.DB
	m      *migrate.Migrate
	logger zerolog.Logger
}

// NewMigrator opens a dedicated connection for migrations. Close releases it.
func NewMigrator(dsn string, logger zerolog.Logger) (*Migrator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{db: db, m: m, logger: logger}, nil
}

// Up applies all pending up-migrations.
func (mg *Migrator) Up(ctx context.Context) error {
	from, _, _ := mg.version()
	err := mg.run(ctx, mg.m.Up)
	if errors.Is(err, migrate.ErrNoChange) {
		mg.logger.Info().Uint("version", from).Msg("schema up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	to, _, _ := mg.version()
	mg.logger.Info().Uint("from", from).Uint("to", to).Msg("applied migrations")
	return nil
}

// Down rolls back the last applied migration.
func (mg *Migrator) Down(ctx context.Context) error {
	from, _, _ := mg.version()
	err := mg.run(ctx, func() error { return mg.m.Steps(-1) })
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, migrate.ErrNilVersion) {
		mg.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	mg.logger.Info().Uint("from", from).Msg("rolled back migration")
	return nil
}

// Version reports the applied schema version and whether the last migration
// left the schema dirty.
func (mg *Migrator) Version() (uint, bool, error) {
	return mg.version()
}

func (mg *Migrator) version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// run executes fn and asks golang-migrate to stop after the current
// migration if ctx is cancelled first.
func (mg *Migrator) run(ctx context.Context, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case mg.m.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()
	return fn()
}

// Close closes the migration source and the dedicated connection.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr, mg.db.Close())
}
