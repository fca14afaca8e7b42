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

// ApplyPositions upserts the winners of a run and records its conflicts in one
// transaction under the user's reconciliation lock. The returned map holds the
// outcome per symbol; a winner equal to the stored row is left untouched.
func (s *PostgresStore) ApplyPositions(ctx context.Context, userID int64, runID uuid.UUID, winners []model.CanonicalPosition, conflicts []model.Conflict) (map[string]model.UpsertOutcome, error) {
	var outcomes map[string]model.UpsertOutcome

	err := s.withTx(ctx, "apply positions", func(tx *sql.Tx) error {
		outcomes = make(map[string]model.UpsertOutcome, len(winners))
		if err := lockUser(ctx, tx, lockReconcile, userID); err != nil {
			return err
		}

		for _, w := range winners {
			var inserted bool
			err := tx.QueryRowContext(ctx, `
				INSERT INTO portfolio_positions
					(user_id, symbol, quantity, avg_cost, current_price, last_updated, source, source_id)
				VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
				ON CONFLICT (user_id, symbol) DO UPDATE SET
					quantity     = EXCLUDED.quantity,
					avg_cost     = EXCLUDED.avg_cost,
					source       = EXCLUDED.source,
					source_id    = EXCLUDED.source_id,
					last_updated = EXCLUDED.last_updated
				WHERE portfolio_positions.quantity <> EXCLUDED.quantity
				   OR portfolio_positions.avg_cost <> EXCLUDED.avg_cost
				   OR portfolio_positions.source   <> EXCLUDED.source
				RETURNING (xmax = 0)`,
				userID, w.Symbol, w.Quantity, w.AvgCost, w.LastUpdated, string(w.Source), w.SourceID,
			).Scan(&inserted)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				outcomes[w.Symbol] = model.UpsertUnchanged
			case err != nil:
				return fmt.Errorf("upsert position %s: %w", w.Symbol, err)
			case inserted:
				outcomes[w.Symbol] = model.UpsertInserted
			default:
				outcomes[w.Symbol] = model.UpsertUpdated
			}
		}

		for _, c := range conflicts {
			winner, err := json.Marshal(c.Winner)
			if err != nil {
				return fmt.Errorf("encode conflict winner: %w", err)
			}
			discarded, err := json.Marshal(c.Discarded)
			if err != nil {
				return fmt.Errorf("encode conflict candidates: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO reconciliation_conflicts (sync_run_id, user_id, symbol, rule, winner, discarded)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (sync_run_id, symbol) DO UPDATE SET
					rule = EXCLUDED.rule, winner = EXCLUDED.winner, discarded = EXCLUDED.discarded`,
				runID, userID, c.Symbol, string(c.Rule), winner, discarded,
			)
			if err != nil {
				return fmt.Errorf("record conflict %s: %w", c.Symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// ApplyCashEvents appends events, skipping any whose dedup key exists.
// It returns how many rows were inserted.
func (s *PostgresStore) ApplyCashEvents(ctx context.Context, userID int64, events []model.CanonicalCashEvent) (int, error) {
	var inserted int

	err := s.withTx(ctx, "apply cash events", func(tx *sql.Tx) error {
		inserted = 0
		if err := lockUser(ctx, tx, lockReconcile, userID); err != nil {
			return err
		}
		for _, e := range events {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO cash_events
					(user_id, event_type, amount, currency, event_date, source, source_id, sync_run_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT ON CONSTRAINT uq_cash_events_identity DO NOTHING`,
				userID, e.EventType, e.Amount, e.Currency, e.EventDate.UTC().Format(time.DateOnly),
				string(e.Source), e.SourceID, e.SyncRunID,
			)
			if err != nil {
				return fmt.Errorf("insert cash event: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert cash event: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListPositions returns the canonical positions of a user by symbol.
func (s *PostgresStore) ListPositions(ctx context.Context, userID int64) ([]model.CanonicalPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, symbol, quantity, avg_cost, current_price, last_updated, source, source_id
		FROM portfolio_positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, model.Persist("list positions", err)
	}
	defer rows.Close()

	var out []model.CanonicalPosition
	for rows.Next() {
		var (
			p   model.CanonicalPosition
			src string
		)
		if err := rows.Scan(&p.UserID, &p.Symbol, &p.Quantity, &p.AvgCost, &p.CurrentPrice, &p.LastUpdated, &src, &p.SourceID); err != nil {
			return nil, model.Persist("scan position", err)
		}
		p.Source = model.SourceType(src)
		out = append(out, p)
	}
	return out, model.Persist("list positions", rows.Err())
}

// ListCashEvents returns a user's canonical cash ledger in date order.
func (s *PostgresStore) ListCashEvents(ctx context.Context, userID int64) ([]model.CanonicalCashEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, amount, currency, event_date, source, source_id, sync_run_id, created_at
		FROM cash_events WHERE user_id = $1 ORDER BY event_date, id`, userID)
	if err != nil {
		return nil, model.Persist("list cash events", err)
	}
	defer rows.Close()

	var out []model.CanonicalCashEvent
	for rows.Next() {
		var (
			e   model.CanonicalCashEvent
			src string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.Amount, &e.Currency, &e.EventDate, &src, &e.SourceID, &e.SyncRunID, &e.CreatedAt); err != nil {
			return nil, model.Persist("scan cash event", err)
		}
		e.Source = model.SourceType(src)
		e.EventDate = e.EventDate.UTC()
		out = append(out, e)
	}
	return out, model.Persist("list cash events", rows.Err())
}

// ListConflicts returns the conflicts recorded for a run by symbol.
func (s *PostgresStore) ListConflicts(ctx context.Context, runID uuid.UUID) ([]model.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_run_id, user_id, symbol, rule, winner, discarded
		FROM reconciliation_conflicts WHERE sync_run_id = $1 ORDER BY symbol`, runID)
	if err != nil {
		return nil, model.Persist("list conflicts", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var (
			c                 model.Conflict
			rule              string
			winner, discarded []byte
		)
		if err := rows.Scan(&c.SyncRunID, &c.UserID, &c.Symbol, &rule, &winner, &discarded); err != nil {
			return nil, model.Persist("scan conflict", err)
		}
		c.Rule = model.ResolutionRule(rule)
		if err := json.Unmarshal(winner, &c.Winner); err != nil {
			return nil, model.Persist("decode conflict winner", err)
		}
		if err := json.Unmarshal(discarded, &c.Discarded); err != nil {
			return nil, model.Persist("decode conflict candidates", err)
		}
		out = append(out, c)
	}
	return out, model.Persist("list conflicts", rows.Err())
}
