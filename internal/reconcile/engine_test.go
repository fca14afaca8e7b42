package reconcile_test

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/persistence"
	"PortfolioFederation/internal/reconcile"
	"PortfolioFederation/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *persistence.MemoryStore
	engine  *reconcile.Engine
	advance func(time.Duration)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now, advance := testutil.FixedClock(epoch)
	store := persistence.NewMemoryStore()
	store.SetClock(now)
	engine := reconcile.New(store, nil, observability.NopLogger())
	engine.SetClock(now)
	return &harness{store: store, engine: engine, advance: advance}
}

func (h *harness) source(t *testing.T, userID int64, typ model.SourceType, priority int) model.DataSource {
	t.Helper()
	cfg, err := model.DecodeSourceConfig(typ, map[string]string{
		"flex_token": "t", "flex_query_id": "q",
		"api_key": "k", "api_secret": "s", "api_passphrase": "p",
	})
	require.NoError(t, err)
	src, err := h.store.CreateSource(context.Background(), model.DataSource{
		UserID: userID, Type: typ, DisplayName: typ.DefaultDisplayName(), Priority: priority, Enabled: true, Config: cfg,
	})
	require.NoError(t, err)
	return src
}

type staged struct {
	source    model.DataSource
	positions []model.PositionRecord
	cash      []model.CashRecord
}

// run creates a finished run for userID with the given staging rows.
func (h *harness) run(t *testing.T, userID int64, status model.RunStatus, rows ...staged) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, h.store.CreateRun(ctx, model.SyncRun{
		ID: id, UserID: userID, Trigger: model.TriggerManual, Status: model.StatusRunning, StartedAt: epoch,
	}, 1))
	for _, r := range rows {
		require.NoError(t, h.store.StageBatch(ctx, model.StageRequest{
			SyncRunID: id, UserID: userID, SourceID: r.source.ID, Positions: r.positions, CashEvents: r.cash,
		}))
	}
	ok, err := h.store.FinishRun(ctx, id, status, model.RunStats{}, epoch)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func pos(symbol, qty, cost string, asOf time.Time) model.PositionRecord {
	return model.PositionRecord{
		Symbol:   symbol,
		Quantity: decimal.RequireFromString(qty),
		AvgCost:  decimal.RequireFromString(cost),
		AsOf:     asOf,
	}
}

func TestResolve(t *testing.T) {
	early := epoch.Add(-2 * time.Hour)
	late := epoch.Add(-time.Hour)
	c := func(id int64, typ model.SourceType, priority int, asOf time.Time) model.Candidate {
		return model.Candidate{SourceID: id, SourceType: typ, Priority: priority, Symbol: "AAPL", AsOf: asOf}
	}

	tests := []struct {
		name       string
		candidates []model.Candidate
		winner     int64
		rule       model.ResolutionRule
	}{
		{"single", []model.Candidate{c(1, model.SourceManual, 50, early)}, 1, ""},
		{"priority", []model.Candidate{c(1, model.SourceIbkrFlex, 20, late), c(2, model.SourceManual, 10, early)}, 2, model.RulePriority},
		{"freshness", []model.Candidate{c(1, model.SourceIbkrFlex, 10, early), c(2, model.SourceCSV, 10, late)}, 2, model.RuleFreshness},
		{"confidence", []model.Candidate{c(1, model.SourceCSV, 10, late), c(2, model.SourceKucoin, 10, late)}, 2, model.RuleConfidence},
		{"source id", []model.Candidate{c(9, model.SourceCSV, 10, late), c(3, model.SourceCSV, 10, late)}, 3, model.RuleSourceID},
		{
			"rule is decided by the runner-up",
			[]model.Candidate{c(1, model.SourceManual, 30, late), c(2, model.SourceIbkrFlex, 10, early), c(3, model.SourceCSV, 10, late)},
			3, model.RuleFreshness,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner, discarded, rule := reconcile.Resolve(tt.candidates)
			assert.Equal(t, tt.winner, winner.SourceID)
			assert.Equal(t, tt.rule, rule)
			assert.Len(t, discarded, len(tt.candidates)-1)
		})
	}
}

func TestReconcilePositions_InsertUpdateSkip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ib := h.source(t, 1, model.SourceIbkrFlex, 10)
	asOf := epoch.Add(-time.Hour)

	first := h.run(t, 1, model.StatusCompleted, staged{source: ib, positions: []model.PositionRecord{
		pos("AAPL", "10", "150", asOf),
		pos("MSFT", "5", "300", asOf),
	}})
	res, err := h.engine.ReconcilePositions(ctx, first, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.Empty(t, res.Conflicts)

	again, err := h.engine.ReconcilePositions(ctx, first, 1)
	require.NoError(t, err)
	assert.Equal(t, model.PositionsResult{Skipped: 2, Conflicts: []model.Conflict{}}, *again)

	h.advance(time.Hour)
	second := h.run(t, 1, model.StatusCompleted, staged{source: ib, positions: []model.PositionRecord{
		pos("AAPL", "12", "150", asOf.Add(time.Hour)),
		pos("MSFT", "5.000", "300", asOf.Add(time.Hour)),
	}})
	res, err = h.engine.ReconcilePositions(ctx, second, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped, "equal decimals are unchanged")

	book, err := h.store.ListPositions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, book, 2)
	assert.Equal(t, "AAPL", book[0].Symbol)
	assert.True(t, decimal.NewFromInt(12).Equal(book[0].Quantity))
	assert.True(t, book[0].CurrentPrice.IsZero())
	assert.Equal(t, model.SourceIbkrFlex, book[0].Source)
}

func TestReconcilePositions_ConflictsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	asOf := epoch.Add(-time.Hour)

	ib := h.source(t, 1, model.SourceIbkrFlex, 10)
	csv := h.source(t, 1, model.SourceCSV, 20)
	manual := h.source(t, 1, model.SourceManual, 20)

	runID := h.run(t, 1, model.StatusPartial,
		staged{source: ib, positions: []model.PositionRecord{pos("AAPL", "10", "150", asOf)}},
		staged{source: csv, positions: []model.PositionRecord{pos("AAPL", "11", "151", asOf), pos("VTI", "3", "210", asOf)}},
		staged{source: manual, positions: []model.PositionRecord{pos("VTI", "4", "200", asOf)}},
	)

	res, err := h.engine.ReconcilePositions(ctx, runID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Conflicts, 2)

	aapl, vti := res.Conflicts[0], res.Conflicts[1]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, model.RulePriority, aapl.Rule)
	assert.Equal(t, ib.ID, aapl.Winner.SourceID)
	require.Len(t, aapl.Discarded, 1)
	assert.Equal(t, csv.ID, aapl.Discarded[0].SourceID)

	assert.Equal(t, "VTI", vti.Symbol)
	assert.Equal(t, model.RuleConfidence, vti.Rule)
	assert.Equal(t, csv.ID, vti.Winner.SourceID)

	stored, err := h.store.ListConflicts(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	book, err := h.store.ListPositions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, book, 2)
	assert.True(t, decimal.NewFromInt(10).Equal(book[0].Quantity))
	assert.Equal(t, model.SourceCSV, book[1].Source)
}

func TestReconcileCashEvents_AppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ib := h.source(t, 1, model.SourceIbkrFlex, 10)
	day := epoch.Truncate(24 * time.Hour)

	cash := []model.CashRecord{
		{EventType: model.CashBalanceEvent, Amount: decimal.RequireFromString("1000.50"), Currency: "USD", EventDate: day},
		{EventType: model.CashBalanceEvent, Amount: decimal.RequireFromString("200"), Currency: "EUR", EventDate: day},
	}
	first := h.run(t, 1, model.StatusCompleted, staged{source: ib, cash: cash})

	res, err := h.engine.ReconcileCashEvents(ctx, first, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CashResult{Inserted: 2}, *res)

	res, err = h.engine.ReconcileCashEvents(ctx, first, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CashResult{Skipped: 2}, *res)

	h.advance(time.Hour)
	changed := []model.CashRecord{cash[0], {EventType: model.CashBalanceEvent, Amount: decimal.RequireFromString("250"), Currency: "EUR", EventDate: day}}
	second := h.run(t, 1, model.StatusCompleted, staged{source: ib, cash: changed})
	res, err = h.engine.ReconcileCashEvents(ctx, second, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CashResult{Inserted: 1, Skipped: 1}, *res)

	ledger, err := h.store.ListCashEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ledger, 3)
}

func TestRunReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ib := h.source(t, 1, model.SourceIbkrFlex, 10)
	asOf := epoch.Add(-time.Hour)

	runID := h.run(t, 1, model.StatusCompleted, staged{
		source:    ib,
		positions: []model.PositionRecord{pos("AAPL", "10", "150", asOf)},
		cash:      []model.CashRecord{{EventType: model.CashBalanceEvent, Amount: decimal.NewFromInt(5), Currency: "USD", EventDate: asOf}},
	})

	h.advance(time.Minute)
	summary, err := h.engine.RunReconciliation(ctx, runID, 1)
	require.NoError(t, err)
	assert.Equal(t, runID, summary.SyncRunID)
	assert.Equal(t, 1, summary.Positions.Inserted)
	assert.Equal(t, 1, summary.CashEvents.Inserted)
	assert.Equal(t, epoch.Add(time.Minute), summary.ReconciledAt)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run.ReconciledAt)
	require.NotNil(t, run.Stats.Reconciliation)
	assert.Equal(t, *summary, *run.Stats.Reconciliation)

	_, err = h.engine.RunReconciliation(ctx, runID, 1)
	assert.ErrorIs(t, err, model.ErrAlreadyReconciled)
}

func TestRunReconciliation_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ib := h.source(t, 1, model.SourceIbkrFlex, 10)

	failed := h.run(t, 1, model.StatusFailed, staged{source: ib})
	_, err := h.engine.RunReconciliation(ctx, failed, 1)
	assert.ErrorIs(t, err, model.ErrRunNotReconcilable)

	other := h.run(t, 2, model.StatusCompleted)
	_, err = h.engine.RunReconciliation(ctx, other, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.engine.RunReconciliation(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, model.ErrNotFound)

	running := uuid.New()
	require.NoError(t, h.store.CreateRun(ctx, model.SyncRun{ID: running, UserID: 3, Status: model.StatusRunning, StartedAt: epoch}, 1))
	_, err = h.engine.RunReconciliation(ctx, running, 3)
	assert.ErrorIs(t, err, model.ErrRunNotReconcilable)
}

func TestRunReconciliation_PersistenceErrorPropagates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ib := h.source(t, 1, model.SourceIbkrFlex, 10)
	runID := h.run(t, 1, model.StatusCompleted, staged{source: ib, positions: []model.PositionRecord{pos("AAPL", "1", "1", epoch)}})

	h.store.FailOn("apply positions", errors.New("deadlock"))
	_, err := h.engine.RunReconciliation(ctx, runID, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, run.ReconciledAt, "a failed reconciliation leaves the run unstamped")

	h.store.FailOn("apply positions", nil)
	_, err = h.engine.RunReconciliation(ctx, runID, 1)
	assert.NoError(t, err)
}
