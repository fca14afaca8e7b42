package syncrun_test

import (
	"PortfolioFederation/internal/adapter"
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/persistence"
	"PortfolioFederation/internal/registry"
	"PortfolioFederation/internal/syncrun"
	"PortfolioFederation/internal/testutil"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 24 * time.Hour

var epoch = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store    *persistence.MemoryStore
	sources  *registry.Registry
	adapters *adapter.Registry
	checker  *digest.Checker
	ibkr     *adapter.Static
	kucoin   *adapter.Static
	orch     *syncrun.Orchestrator
	advance  func(time.Duration)
}

func newFixture(t *testing.T, opts syncrun.Options) *fixture {
	t.Helper()
	now, advance := testutil.FixedClock(epoch)

	store := persistence.NewMemoryStore()
	store.SetClock(now)

	f := &fixture{
		store:    store,
		sources:  registry.New(store, 100, observability.NopLogger()),
		adapters: adapter.NewRegistry(),
		checker:  digest.NewChecker(store, window, nil),
		ibkr:     adapter.NewStatic(ibkrBatch()),
		kucoin:   adapter.NewStatic(kucoinBatch()),
		advance:  advance,
	}
	f.adapters.Register(model.SourceIbkrFlex, f.ibkr)
	f.adapters.Register(model.SourceKucoin, f.kucoin)

	f.orch = syncrun.New(store, f.sources, f.adapters, f.checker, opts, nil, observability.NopLogger())
	f.orch.SetClock(now)
	return f
}

func (f *fixture) register(t *testing.T, userID int64, typ model.SourceType, priority int) model.DataSource {
	t.Helper()
	cfg := map[string]string{}
	switch typ {
	case model.SourceIbkrFlex:
		cfg = map[string]string{"flex_token": "tok", "flex_query_id": "42"}
	case model.SourceKucoin:
		cfg = map[string]string{"api_key": "k", "api_secret": "s", "api_passphrase": "p"}
	}
	src, err := f.sources.RegisterSource(context.Background(), registry.RegisterRequest{
		UserID: userID, Type: string(typ), Config: cfg, Priority: &priority,
	})
	require.NoError(t, err)
	return src
}

func ibkrBatch() model.Batch {
	asOf := epoch.Add(-time.Hour)
	return model.Batch{
		Positions: []model.PositionRecord{
			{Symbol: "AAPL", Quantity: decimal.NewFromInt(10), AvgCost: decimal.RequireFromString("150.25"), Currency: "USD", AsOf: asOf},
			{Symbol: "MSFT", Quantity: decimal.NewFromInt(5), AvgCost: decimal.RequireFromString("300"), Currency: "USD", AsOf: asOf},
		},
		CashEvents: []model.CashRecord{
			{EventType: model.CashBalanceEvent, Amount: decimal.RequireFromString("1000.50"), Currency: "USD", EventDate: asOf.Truncate(24 * time.Hour)},
		},
	}
}

func kucoinBatch() model.Batch {
	asOf := epoch.Add(-30 * time.Minute)
	return model.Batch{
		Positions: []model.PositionRecord{
			{Symbol: "BTC", Quantity: decimal.RequireFromString("0.5"), AsOf: asOf},
		},
		CashEvents: []model.CashRecord{
			{EventType: model.CashBalanceEvent, Amount: decimal.RequireFromString("250"), Currency: "USDT", EventDate: asOf.Truncate(24 * time.Hour)},
		},
	}
}

func TestRunFullSync_StagesEveryAutomaticSource(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()

	ib := f.register(t, 1, model.SourceIbkrFlex, 10)
	ku := f.register(t, 1, model.SourceKucoin, 20)
	f.register(t, 1, model.SourceCSV, 5)

	res, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Stats.SourcesProcessed)
	assert.Equal(t, 3, res.Stats.PositionsImported)
	assert.Equal(t, 2, res.Stats.CashEventsImported)
	assert.Empty(t, res.Stats.Errors)
	require.Len(t, res.Stats.Sources, 2, "csv is push-only")
	assert.Equal(t, ib.ID, res.Stats.Sources[0].SourceID)
	assert.Equal(t, ku.ID, res.Stats.Sources[1].SourceID)

	assert.Len(t, f.store.StagedPositions(res.RunID), 3)
	assert.Len(t, f.store.StagedCashEvents(res.RunID), 2)

	run, err := f.orch.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.StatusCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, res.Stats, run.Stats)
}

func TestRunFullSync_DuplicateWithinWindowIsSkipped(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	f.register(t, 1, model.SourceIbkrFlex, 10)
	f.register(t, 1, model.SourceKucoin, 20)

	first, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 2, first.Stats.SourcesProcessed)

	f.advance(time.Hour)
	second, err := f.orch.RunFullSync(ctx, 1, model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, second.Status)
	assert.Equal(t, 2, second.Stats.SourcesSkipped)
	assert.Equal(t, 0, second.Stats.SourcesProcessed)
	assert.Equal(t, 0, second.Stats.PositionsImported)
	assert.Empty(t, f.store.StagedPositions(second.RunID))

	// Past the window the same content is imported again.
	f.advance(window)
	third, err := f.orch.RunFullSync(ctx, 1, model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Stats.SourcesProcessed)
	assert.Equal(t, 3, third.Stats.PositionsImported)
}

func TestRunFullSync_DuplicateScopeIsDropped(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	f.register(t, 1, model.SourceKucoin, 20)

	_, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)

	changed := kucoinBatch()
	changed.CashEvents[0].Amount = decimal.RequireFromString("275")
	f.kucoin.Set(changed, nil)

	res, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Stats.Sources, 1)
	assert.Equal(t, model.OutcomeImported, res.Stats.Sources[0].Outcome)
	assert.Equal(t, 0, res.Stats.Sources[0].Positions)
	assert.Equal(t, 1, res.Stats.Sources[0].CashEvents)
	assert.Empty(t, f.store.StagedPositions(res.RunID))
	assert.Len(t, f.store.StagedCashEvents(res.RunID), 1)
}

func TestRunFullSync_EmptyBatchIsImported(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	f.register(t, 1, model.SourceIbkrFlex, 10)
	f.ibkr.Set(model.Batch{}, nil)

	res, err := f.orch.RunFullSync(context.Background(), 1, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Stats.SourcesProcessed)
	assert.Equal(t, 0, res.Stats.PositionsImported)
}

func TestRunFullSync_FailureIsolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind model.ErrorKind
	}{
		{"api error", &adapter.Error{SourceType: model.SourceKucoin, StatusCode: 503, Err: errors.New("unavailable")}, model.ErrorKindAdapter},
		{"bad payload", adapter.ErrInvalidPayload, model.ErrorKindInvalidPayload},
		{"not configured", adapter.ErrNotConfigured, model.ErrorKindNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, syncrun.Options{})
			ib := f.register(t, 1, model.SourceIbkrFlex, 10)
			ku := f.register(t, 1, model.SourceKucoin, 20)
			f.kucoin.Set(model.Batch{}, tt.err)

			res, err := f.orch.RunFullSync(context.Background(), 1, model.TriggerManual)
			require.NoError(t, err)

			assert.Equal(t, model.StatusPartial, res.Status)
			assert.Equal(t, 1, res.Stats.SourcesProcessed)
			assert.Equal(t, 1, res.Stats.SourcesFailed)
			require.Len(t, res.Stats.Errors, 1)
			assert.Equal(t, ku.ID, res.Stats.Errors[0].SourceID)
			assert.Equal(t, tt.kind, res.Stats.Errors[0].Kind)

			staged := f.store.StagedPositions(res.RunID)
			require.Len(t, staged, 2)
			for _, p := range staged {
				assert.Equal(t, ib.ID, p.SourceID)
			}
		})
	}
}

func TestRunFullSync_MissingAdapter(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	f.register(t, 1, model.SourceIbkrFlex, 10)

	bare := adapter.NewRegistry()
	orch := syncrun.New(f.store, f.sources, bare, f.checker, syncrun.Options{}, nil, observability.NopLogger())

	res, err := orch.RunFullSync(context.Background(), 1, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, res.Status)
	require.Len(t, res.Stats.Errors, 1)
	assert.Equal(t, model.ErrorKindNotConfigured, res.Stats.Errors[0].Kind)
}

func TestRunFullSync_PersistenceFailureFailsRun(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	f.register(t, 1, model.SourceIbkrFlex, 10)
	f.store.FailOn("stage batch", errors.New("disk full"))

	res, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusFailed, res.Status)

	run, err := f.orch.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Contains(t, run.Stats.Failure, "disk full")
	require.NotNil(t, run.FinishedAt)

	// No digest was written, so the next run stages the same content.
	f.store.FailOn("stage batch", nil)
	next, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Stats.SourcesProcessed)
}

func TestRunFullSync_DigestLookupFailureFailsRun(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	f.register(t, 1, model.SourceIbkrFlex, 10)
	f.store.FailOn("lookup digest", errors.New("connection reset"))

	res, err := f.orch.RunFullSync(context.Background(), 1, model.TriggerManual)
	assert.ErrorIs(t, err, model.ErrPersistence)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusFailed, res.Status)
}

func TestRunFullSync_FinishFailureStillTerminates(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	f.register(t, 1, model.SourceIbkrFlex, 10)
	f.store.FailOn("finish run", errors.New("timeout"))

	_, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	assert.ErrorIs(t, err, model.ErrPersistence)

	runs, err := f.orch.ListRuns(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.StatusFailed, runs[0].Status)
}

func TestRunFullSync_CancelledContextFailsRun(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	f.register(t, 1, model.SourceIbkrFlex, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)

	run, err := f.orch.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
}

func TestStartSync_GuardAdmitsOne(t *testing.T) {
	f := newFixture(t, syncrun.Options{MaxConcurrency: 1})
	ctx := context.Background()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []uuid.UUID
		blockers []uuid.UUID
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.orch.StartSync(ctx, 7, model.TriggerAPI)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, id)
				return
			}
			var cerr *model.ConcurrencyError
			if errors.As(err, &cerr) {
				blockers = append(blockers, cerr.ActiveRunID)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, blockers, n-1)
	for _, b := range blockers {
		assert.Equal(t, winners[0], b)
	}
}

func TestStartSync_OtherUsersUnaffected(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()

	_, err := f.orch.StartSync(ctx, 1, model.TriggerAPI)
	require.NoError(t, err)
	_, err = f.orch.StartSync(ctx, 2, model.TriggerAPI)
	require.NoError(t, err)

	_, err = f.orch.RunFullSync(ctx, 1, model.TriggerAPI)
	assert.ErrorIs(t, err, model.ErrConcurrency)
}

func TestResetStaleRuns_UnblocksUser(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()

	stuck, err := f.orch.StartSync(ctx, 1, model.TriggerAPI)
	require.NoError(t, err)
	_, err = f.orch.StartSync(ctx, 1, model.TriggerAPI)
	require.ErrorIs(t, err, model.ErrConcurrency)

	n, err := f.orch.ResetStaleRuns(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "run is not old enough yet")

	f.advance(3 * time.Hour)
	n, err = f.orch.ResetStaleRuns(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := f.orch.GetRun(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, syncrun.StaleRunFailure, run.Stats.Failure)

	_, err = f.orch.StartSync(ctx, 1, model.TriggerAPI)
	assert.NoError(t, err)
}

func TestFailRun(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	f.register(t, 1, model.SourceIbkrFlex, 10)

	res, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)

	require.NoError(t, f.orch.FailRun(ctx, res.RunID, errors.New("reconcile: boom")))
	run, err := f.orch.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, "reconcile: boom", run.Stats.Failure)
	assert.Equal(t, 1, run.Stats.SourcesProcessed, "counters survive")

	// The failed run's digests are released, so unchanged content is staged again.
	again, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Stats.SourcesProcessed)
	assert.Zero(t, again.Stats.SourcesSkipped)
	assert.Len(t, f.store.StagedPositions(again.RunID), 2)

	assert.ErrorIs(t, f.orch.FailRun(ctx, uuid.New(), nil), model.ErrNotFound)
}

// stageFailingStore fails StageBatch for one source only.
type stageFailingStore struct {
	*persistence.MemoryStore
	mu         sync.Mutex
	failSource int64
}

func (s *stageFailingStore) StageBatch(ctx context.Context, req model.StageRequest) error {
	s.mu.Lock()
	fail := req.SourceID == s.failSource
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.StageBatch(ctx, req)
}

func TestRunFullSync_FatalStagingReleasesEarlierDigests(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	f.register(t, 1, model.SourceIbkrFlex, 10)
	ku := f.register(t, 1, model.SourceKucoin, 20)

	store := &stageFailingStore{MemoryStore: f.store, failSource: ku.ID}
	orch := syncrun.New(store, f.sources, f.adapters, f.checker, syncrun.Options{}, nil, observability.NopLogger())
	now, _ := testutil.FixedClock(epoch)
	orch.SetClock(now)

	res, err := orch.RunFullSync(ctx, 1, model.TriggerManual)
	assert.ErrorIs(t, err, model.ErrPersistence)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusFailed, res.Status)
	require.NotEmpty(t, f.store.StagedPositions(res.RunID), "ibkr staged before kucoin failed")

	store.mu.Lock()
	store.failSource = 0
	store.mu.Unlock()

	next, err := orch.RunFullSync(ctx, 1, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, next.Status)
	assert.Equal(t, 2, next.Stats.SourcesProcessed)
	assert.Zero(t, next.Stats.SourcesSkipped)
	assert.Len(t, f.store.StagedPositions(next.RunID), 3)
}

func TestResetStaleRuns_ReleasesDigests(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	src := f.register(t, 1, model.SourceManual, 10)

	runID, err := f.orch.StartSync(ctx, 1, model.TriggerAPI)
	require.NoError(t, err)
	require.NoError(t, f.store.StageBatch(ctx, model.StageRequest{
		SyncRunID: runID, UserID: 1, SourceID: src.ID,
		Digests: []model.ImportDigest{{ContentHash: "h", Scope: model.ScopePositions, CreatedAt: epoch}},
	}))
	key := digest.Key{UserID: 1, SourceID: src.ID, Scope: model.ScopePositions, Hash: "h"}
	f.checker.MarkStaged(key, epoch)

	f.advance(3 * time.Hour)
	n, err := f.orch.ResetStaleRuns(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	dup, err := f.checker.IsDuplicate(ctx, key)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestWorkerPool_MatchesSequentialStats(t *testing.T) {
	build := func(workers int) *syncrun.RunResult {
		f := newFixture(t, syncrun.Options{Workers: workers})
		f.register(t, 1, model.SourceIbkrFlex, 10)
		f.register(t, 1, model.SourceKucoin, 20)
		f.register(t, 1, model.SourceIbkrFlex, 30)
		f.register(t, 1, model.SourceKucoin, 40)
		f.kucoin.Set(model.Batch{}, adapter.ErrInvalidPayload)

		res, err := f.orch.RunFullSync(context.Background(), 1, model.TriggerManual)
		require.NoError(t, err)
		return res
	}

	sequential := build(1)
	pooled := build(4)

	assert.Equal(t, model.StatusPartial, sequential.Status)
	assert.Equal(t, sequential.Status, pooled.Status)
	assert.Equal(t, sequential.Stats, pooled.Stats)
}

func TestListRuns_NewestFirst(t *testing.T) {
	f := newFixture(t, syncrun.Options{})
	ctx := context.Background()
	f.register(t, 1, model.SourceIbkrFlex, 10)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		res, err := f.orch.RunFullSync(ctx, 1, model.TriggerManual)
		require.NoError(t, err)
		ids = append(ids, res.RunID)
		f.advance(time.Minute)
	}

	runs, err := f.orch.ListRuns(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
}
