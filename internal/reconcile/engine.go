// Package reconcile merges the staged data of one sync run into the canonical
// position book and the cash ledger.
package reconcile

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is everything the engine reads and writes. ApplyPositions and
// ApplyCashEvents are each one transaction under the user's reconcile lock.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*model.SyncRun, error)
	LoadCandidates(ctx context.Context, runID uuid.UUID) ([]model.Candidate, error)
	LoadStagedCash(ctx context.Context, runID uuid.UUID) ([]model.StagedCash, error)
	ApplyPositions(ctx context.Context, userID int64, runID uuid.UUID, winners []model.CanonicalPosition, conflicts []model.Conflict) (map[string]model.UpsertOutcome, error)
	ApplyCashEvents(ctx context.Context, userID int64, events []model.CanonicalCashEvent) (int, error)
	MarkReconciled(ctx context.Context, summary model.ReconciliationSummary) error
}

type Engine struct {
	store   Store
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(store Store, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{store: store, metrics: metrics, logger: logger, now: time.Now}
}

// SetClock replaces the time source for last_updated and reconciled_at.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ReconcilePositions resolves every staged symbol of runID to one winner and
// upserts it into the canonical book. Safe to repeat: a second pass over the
// same run only reports skips.
func (e *Engine) ReconcilePositions(ctx context.Context, runID uuid.UUID, userID int64) (*model.PositionsResult, error) {
	if _, err := e.ownedRun(ctx, runID, userID); err != nil {
		return nil, err
	}
	return e.reconcilePositions(ctx, runID, userID)
}

func (e *Engine) reconcilePositions(ctx context.Context, runID uuid.UUID, userID int64) (*model.PositionsResult, error) {
	candidates, err := e.store.LoadCandidates(ctx, runID)
	if err != nil {
		return nil, model.Persist("load candidates", err)
	}

	now := e.now().UTC()
	var (
		winners   []model.CanonicalPosition
		conflicts []model.Conflict
	)
	for _, group := range groupBySymbol(candidates) {
		winner, discarded, rule := Resolve(group)
		winners = append(winners, model.CanonicalPosition{
			UserID:      userID,
			Symbol:      winner.Symbol,
			Quantity:    winner.Quantity,
			AvgCost:     winner.AvgCost,
			LastUpdated: now,
			Source:      winner.SourceType,
			SourceID:    winner.SourceID,
		})
		if len(discarded) > 0 {
			conflicts = append(conflicts, model.Conflict{
				SyncRunID: runID,
				UserID:    userID,
				Symbol:    winner.Symbol,
				Rule:      rule,
				Winner:    winner,
				Discarded: discarded,
			})
		}
	}

	result := &model.PositionsResult{Conflicts: conflicts}
	if result.Conflicts == nil {
		result.Conflicts = []model.Conflict{}
	}
	if len(winners) == 0 {
		return result, nil
	}

	outcomes, err := e.store.ApplyPositions(ctx, userID, runID, winners, conflicts)
	if err != nil {
		return nil, model.Persist("apply positions", err)
	}
	for _, w := range winners {
		switch outcomes[w.Symbol] {
		case model.UpsertInserted:
			result.Inserted++
		case model.UpsertUpdated:
			result.Updated++
		default:
			result.Skipped++
		}
	}

	e.metrics.Reconciled("portfolio_positions", "inserted", result.Inserted)
	e.metrics.Reconciled("portfolio_positions", "updated", result.Updated)
	e.metrics.Reconciled("portfolio_positions", "skipped", result.Skipped)
	for _, c := range conflicts {
		e.metrics.Conflict(string(c.Rule))
		e.logger.Debug().
			Str("run_id", runID.String()).
			Str("symbol", c.Symbol).
			Str("rule", string(c.Rule)).
			Int64("winner_source_id", c.Winner.SourceID).
			Int("discarded", len(c.Discarded)).
			Msg("position conflict resolved")
	}
	return result, nil
}

// ReconcileCashEvents appends the staged cash events of runID to the ledger.
// Events already present under the same identity are skipped.
func (e *Engine) ReconcileCashEvents(ctx context.Context, runID uuid.UUID, userID int64) (*model.CashResult, error) {
	if _, err := e.ownedRun(ctx, runID, userID); err != nil {
		return nil, err
	}
	return e.reconcileCash(ctx, runID, userID)
}

func (e *Engine) reconcileCash(ctx context.Context, runID uuid.UUID, userID int64) (*model.CashResult, error) {
	staged, err := e.store.LoadStagedCash(ctx, runID)
	if err != nil {
		return nil, model.Persist("load staged cash", err)
	}
	if len(staged) == 0 {
		return &model.CashResult{}, nil
	}

	events := make([]model.CanonicalCashEvent, 0, len(staged))
	for _, c := range staged {
		events = append(events, model.CanonicalCashEvent{
			UserID:    userID,
			EventType: c.EventType,
			Amount:    c.Amount,
			Currency:  c.Currency,
			EventDate: c.EventDate,
			Source:    c.SourceType,
			SourceID:  c.SourceID,
			SyncRunID: runID,
		})
	}

	inserted, err := e.store.ApplyCashEvents(ctx, userID, events)
	if err != nil {
		return nil, model.Persist("apply cash events", err)
	}
	result := &model.CashResult{Inserted: inserted, Skipped: len(events) - inserted}
	e.metrics.Reconciled("cash_events", "inserted", result.Inserted)
	e.metrics.Reconciled("cash_events", "skipped", result.Skipped)
	return result, nil
}

// RunReconciliation reconciles positions then cash of a completed or partial
// run and stamps the run. A run is reconciled at most once.
func (e *Engine) RunReconciliation(ctx context.Context, runID uuid.UUID, userID int64) (*model.ReconciliationSummary, error) {
	started := e.now()
	summary, err := e.runReconciliation(ctx, runID, userID)
	e.metrics.ReconcileDone(e.now().Sub(started).Seconds(), err)
	if err != nil {
		e.logger.Warn().Err(err).Str("run_id", runID.String()).Int64("user_id", userID).Msg("reconciliation aborted")
		return nil, err
	}

	e.logger.Info().
		Str("run_id", runID.String()).
		Int64("user_id", userID).
		Int("inserted", summary.Positions.Inserted).
		Int("updated", summary.Positions.Updated).
		Int("skipped", summary.Positions.Skipped).
		Int("conflicts", len(summary.Positions.Conflicts)).
		Int("cash_inserted", summary.CashEvents.Inserted).
		Msg("run reconciled")
	return summary, nil
}

func (e *Engine) runReconciliation(ctx context.Context, runID uuid.UUID, userID int64) (*model.ReconciliationSummary, error) {
	run, err := e.ownedRun(ctx, runID, userID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.StatusCompleted && run.Status != model.StatusPartial {
		return nil, fmt.Errorf("sync run %s is %s: %w", runID, run.Status, model.ErrRunNotReconcilable)
	}
	if run.ReconciledAt != nil {
		return nil, fmt.Errorf("sync run %s at %s: %w", runID, run.ReconciledAt.Format(time.RFC3339), model.ErrAlreadyReconciled)
	}

	positions, err := e.reconcilePositions(ctx, runID, userID)
	if err != nil {
		return nil, err
	}
	cash, err := e.reconcileCash(ctx, runID, userID)
	if err != nil {
		return nil, err
	}

	summary := &model.ReconciliationSummary{
		SyncRunID:    runID,
		UserID:       userID,
		Positions:    *positions,
		CashEvents:   *cash,
		ReconciledAt: e.now().UTC(),
	}
	if err := e.store.MarkReconciled(ctx, *summary); err != nil {
		if errors.Is(err, model.ErrAlreadyReconciled) {
			return nil, err
		}
		return nil, model.Persist("mark reconciled", err)
	}
	return summary, nil
}

// ownedRun loads runID and checks it belongs to userID.
func (e *Engine) ownedRun(ctx context.Context, runID uuid.UUID, userID int64) (*model.SyncRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, model.Persist("get run", err)
	}
	if run == nil || run.UserID != userID {
		return nil, fmt.Errorf("sync run %s for user %d: %w", runID, userID, model.ErrNotFound)
	}
	return run, nil
}

// groupBySymbol splits candidates into per-symbol groups in symbol order.
func groupBySymbol(candidates []model.Candidate) [][]model.Candidate {
	bySymbol := make(map[string][]model.Candidate)
	for _, c := range candidates {
		bySymbol[c.Symbol] = append(bySymbol[c.Symbol], c)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	groups := make([][]model.Candidate, 0, len(symbols))
	for _, s := range symbols {
		groups = append(groups, bySymbol[s])
	}
	return groups
}
