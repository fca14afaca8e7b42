package persistence

import (
	"PortfolioFederation/internal/config"
	"PortfolioFederation/internal/model"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresStore is the production store. One value serves the registry, the
// orchestrator, the reconciliation engine and the scheduler.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenDB opens and pings a pool sized from cfg.
func OpenDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, now: time.Now}
}

// Ping reports whether the database is reachable. Used by readiness.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const txAttempts = 3

// withTx runs fn in a transaction, retrying serialization failures and
// deadlocks. fn must be safe to re-run.
func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = s.tryTx(ctx, fn)
		if err == nil || !retryableTxError(err) || ctx.Err() != nil {
			break
		}
		s.logger.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying transaction")
		time.Sleep(time.Duration(attempt*20) * time.Millisecond)
	}
	if err == nil {
		return nil
	}
	// Domain errors raised inside fn pass through untouched.
	if isDomainError(err) {
		return err
	}
	return model.Persist(op, err)
}

func (s *PostgresStore) tryTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func retryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

func isDomainError(err error) bool {
	return errors.Is(err, model.ErrConcurrency) ||
		errors.Is(err, model.ErrAlreadyReconciled) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrConfiguration)
}

// Advisory lock namespaces. Sync starts and reconciliation writes for one
// user serialize on different keys.
const (
	lockSyncGuard = "federation.sync_guard."
	lockReconcile = "federation.reconcile."
)

func lockUser(ctx context.Context, tx *sql.Tx, namespace string, userID int64) error {
	_, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		namespace+strconv.FormatInt(userID, 10),
	)
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// placeholders renders "($n, $n+1, ...)" for row i of width cols.
func placeholders(i, cols int) string {
	b := make([]byte, 0, cols*4+2)
	b = append(b, '(')
	for c := 0; c < cols; c++ {
		if c > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '$')
		b = strconv.AppendInt(b, int64(i*cols+c+1), 10)
	}
	b = append(b, ')')
	return string(b)
}
