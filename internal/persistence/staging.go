package persistence

import (
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/model"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// stagingChunk bounds rows per multi-row INSERT, keeping the bind count
// well under Postgres' 65535 parameter limit.
const stagingChunk = 500

// DigestSeenAt returns when key was last staged, if at or after since.
func (s *PostgresStore) DigestSeenAt(ctx context.Context, key digest.Key, since time.Time) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM import_digests
		WHERE user_id = $1 AND source_id = $2 AND content_hash = $3 AND entity_scope = $4
		  AND created_at >= $5`,
		key.UserID, key.SourceID, key.Hash, string(key.Scope), since,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, model.Persist("lookup digest", err)
	}
	return at, true, nil
}

// ReleaseDigests deletes the digests last written by runID and returns their
// keys, so content staged by a failed run is imported again.
func (s *PostgresStore) ReleaseDigests(ctx context.Context, runID uuid.UUID) ([]digest.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM import_digests WHERE sync_run_id = $1
		RETURNING user_id, source_id, entity_scope, content_hash`, runID)
	if err != nil {
		return nil, model.Persist("release digests", err)
	}
	defer rows.Close()

	var keys []digest.Key
	for rows.Next() {
		var (
			k     digest.Key
			scope string
		)
		if err := rows.Scan(&k.UserID, &k.SourceID, &scope, &k.Hash); err != nil {
			return nil, model.Persist("scan released digest", err)
		}
		k.Scope = model.EntityScope(scope)
		keys = append(keys, k)
	}
	return keys, model.Persist("release digests", rows.Err())
}

// StageBatch writes digests and staging rows for one source in one transaction.
// A digest seen before is refreshed to this run so the dedup window restarts.
func (s *PostgresStore) StageBatch(ctx context.Context, req model.StageRequest) error {
	return s.withTx(ctx, "stage batch", func(tx *sql.Tx) error {
		for _, d := range req.Digests {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO import_digests (user_id, source_id, content_hash, entity_scope, sync_run_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (user_id, source_id, content_hash, entity_scope)
				DO UPDATE SET sync_run_id = EXCLUDED.sync_run_id, created_at = EXCLUDED.created_at`,
				req.UserID, req.SourceID, d.ContentHash, string(d.Scope), req.SyncRunID, d.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert digest: %w", err)
			}
		}

		for start := 0; start < len(req.Positions); start += stagingChunk {
			end := min(start+stagingChunk, len(req.Positions))
			if err := insertStagedPositions(ctx, tx, req, req.Positions[start:end]); err != nil {
				return err
			}
		}
		for start := 0; start < len(req.CashEvents); start += stagingChunk {
			end := min(start+stagingChunk, len(req.CashEvents))
			if err := insertStagedCash(ctx, tx, req, req.CashEvents[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertStagedPositions(ctx context.Context, tx *sql.Tx, req model.StageRequest, positions []model.PositionRecord) error {
	const cols = 9
	values := make([]string, 0, len(positions))
	args := make([]any, 0, len(positions)*cols)

	for i, p := range positions {
		meta, err := encodeMeta(p.Meta)
		if err != nil {
			return err
		}
		values = append(values, placeholders(i, cols))
		args = append(args,
			req.SyncRunID, req.UserID, req.SourceID,
			p.Symbol, p.Quantity, p.AvgCost, p.Currency, p.AsOf, meta,
		)
	}

	query := `INSERT INTO positions_staging
		(sync_run_id, user_id, source_id, symbol, quantity, avg_cost, currency, as_of, meta)
		VALUES ` + strings.Join(values, ", ")
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert staged positions: %w", err)
	}
	return nil
}

func insertStagedCash(ctx context.Context, tx *sql.Tx, req model.StageRequest, events []model.CashRecord) error {
	const cols = 8
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		meta, err := encodeMeta(e.Meta)
		if err != nil {
			return err
		}
		values = append(values, placeholders(i, cols))
		args = append(args,
			req.SyncRunID, req.UserID, req.SourceID,
			e.EventType, e.Amount, e.Currency, e.EventDate.UTC().Format(time.DateOnly), meta,
		)
	}

	query := `INSERT INTO cash_events_staging
		(sync_run_id, user_id, source_id, event_type, amount, currency, event_date, meta)
		VALUES ` + strings.Join(values, ", ")
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert staged cash events: %w", err)
	}
	return nil
}

func encodeMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return b, nil
}

// LoadCandidates returns the run's staged positions joined with the ranking
// data of their sources, ordered by symbol then source id.
func (s *PostgresStore) LoadCandidates(ctx context.Context, runID uuid.UUID) ([]model.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ps.source_id, ds.source_type, ds.priority, ps.symbol, ps.quantity, ps.avg_cost, ps.as_of
		FROM positions_staging ps
		JOIN data_sources ds ON ds.id = ps.source_id
		WHERE ps.sync_run_id = $1
		ORDER BY ps.symbol, ps.source_id, ps.id`, runID)
	if err != nil {
		return nil, model.Persist("load candidates", err)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var (
			c   model.Candidate
			typ string
		)
		if err := rows.Scan(&c.SourceID, &typ, &c.Priority, &c.Symbol, &c.Quantity, &c.AvgCost, &c.AsOf); err != nil {
			return nil, model.Persist("scan candidate", err)
		}
		c.SourceType = model.SourceType(typ)
		out = append(out, c)
	}
	return out, model.Persist("load candidates", rows.Err())
}

// LoadStagedCash returns the run's staged cash events with their source type.
func (s *PostgresStore) LoadStagedCash(ctx context.Context, runID uuid.UUID) ([]model.StagedCash, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.source_id, ds.source_type, cs.event_type, cs.amount, cs.currency, cs.event_date, cs.meta
		FROM cash_events_staging cs
		JOIN data_sources ds ON ds.id = cs.source_id
		WHERE cs.sync_run_id = $1
		ORDER BY cs.id`, runID)
	if err != nil {
		return nil, model.Persist("load staged cash", err)
	}
	defer rows.Close()

	var out []model.StagedCash
	for rows.Next() {
		var (
			c    model.StagedCash
			typ  string
			meta []byte
		)
		if err := rows.Scan(&c.SourceID, &typ, &c.EventType, &c.Amount, &c.Currency, &c.EventDate, &meta); err != nil {
			return nil, model.Persist("scan staged cash", err)
		}
		c.SourceType = model.SourceType(typ)
		c.EventDate = c.EventDate.UTC()
		if len(meta) > 2 {
			if err := json.Unmarshal(meta, &c.Meta); err != nil {
				return nil, model.Persist("decode staged cash meta", err)
			}
		}
		out = append(out, c)
	}
	return out, model.Persist("load staged cash", rows.Err())
}
