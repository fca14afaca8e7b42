package persistence

import (
	"PortfolioFederation/internal/model"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, user_id, trigger, status, started_at, finished_at, stats, reconciled_at`

func scanRun(row rowScanner) (model.SyncRun, error) {
	var (
		run          model.SyncRun
		trigger      string
		status       string
		finishedAt   sql.NullTime
		reconciledAt sql.NullTime
		rawStats     []byte
	)
	if err := row.Scan(&run.ID, &run.UserID, &trigger, &status, &run.StartedAt, &finishedAt, &rawStats, &reconciledAt); err != nil {
		return run, err
	}
	run.Trigger = model.Trigger(trigger)
	run.Status = model.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if reconciledAt.Valid {
		t := reconciledAt.Time
		run.ReconciledAt = &t
	}
	if len(rawStats) > 0 {
		if err := json.Unmarshal(rawStats, &run.Stats); err != nil {
			return run, fmt.Errorf("decode stats: %w", err)
		}
	}
	return run, nil
}

// CreateRun inserts run unless the user already has maxActive queued or
// running runs. The check and the insert share one transaction holding a
// per-user advisory lock, so concurrent starts cannot both pass.
func (s *PostgresStore) CreateRun(ctx context.Context, run model.SyncRun, maxActive int) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return model.Persist("encode stats", err)
	}

	return s.withTx(ctx, "create run", func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, lockSyncGuard, run.UserID); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM sync_runs
			WHERE user_id = $1 AND status IN ('queued', 'running')
			ORDER BY started_at ASC`, run.UserID)
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		var active []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan active run: %w", err)
			}
			active = append(active, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if len(active) >= maxActive {
			return &model.ConcurrencyError{UserID: run.UserID, ActiveRunID: active[0]}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_runs (id, user_id, trigger, status, started_at, stats)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, run.UserID, string(run.Trigger), string(run.Status), run.StartedAt, stats,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// FinishRun moves an active run to its terminal status. It reports false when
// the run was no longer active, e.g. after a stale-run reset.
func (s *PostgresStore) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, stats model.RunStats, finishedAt time.Time) (bool, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return false, model.Persist("encode stats", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = $2, stats = $3, finished_at = $4
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, string(status), raw, finishedAt)
	if err != nil {
		return false, model.Persist("finish run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.Persist("finish run", err)
	}
	return n > 0, nil
}

// FailRun forces a run to failed regardless of its current status and records
// the cause in stats.failure.
func (s *PostgresStore) FailRun(ctx context.Context, id uuid.UUID, failure string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed',
		    finished_at = COALESCE(finished_at, $3),
		    stats = jsonb_set(stats, '{failure}', to_jsonb($2::text))
		WHERE id = $1`, id, failure, at)
	if err != nil {
		return model.Persist("fail run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Persist("fail run", err)
	}
	if n == 0 {
		return fmt.Errorf("sync run %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ResetStaleRuns fails every active run started before cutoff.
func (s *PostgresStore) ResetStaleRuns(ctx context.Context, cutoff time.Time, failure string, at time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed',
		    finished_at = $3,
		    stats = jsonb_set(stats, '{failure}', to_jsonb($2::text))
		WHERE status IN ('queued', 'running') AND started_at < $1
		RETURNING id`, cutoff, failure, at)
	if err != nil {
		return nil, model.Persist("reset stale runs", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, model.Persist("scan stale run", err)
		}
		ids = append(ids, id)
	}
	return ids, model.Persist("reset stale runs", rows.Err())
}

// GetRun returns nil when the run does not exist.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*model.SyncRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Persist("get run", err)
	}
	return &run, nil
}

// ListRuns returns a user's most recent runs first.
func (s *PostgresStore) ListRuns(ctx context.Context, userID int64, limit int) ([]model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE user_id = $1
		ORDER BY started_at DESC, id
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, model.Persist("list runs", err)
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, model.Persist("scan run", err)
		}
		out = append(out, run)
	}
	return out, model.Persist("list runs", rows.Err())
}

// MarkReconciled stamps the run and stores the summary in its stats. It fails
// with ErrAlreadyReconciled when the run carries a stamp already.
func (s *PostgresStore) MarkReconciled(ctx context.Context, summary model.ReconciliationSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return model.Persist("encode reconciliation summary", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET reconciled_at = $2,
		    stats = jsonb_set(stats, '{reconciliation}', $3::jsonb)
		WHERE id = $1 AND reconciled_at IS NULL`,
		summary.SyncRunID, summary.ReconciledAt, raw)
	if err != nil {
		return model.Persist("mark reconciled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Persist("mark reconciled", err)
	}
	if n == 0 {
		return fmt.Errorf("sync run %s: %w", summary.SyncRunID, model.ErrAlreadyReconciled)
	}
	return nil
}
