package persistence

import (
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/model"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore implements the same contract as PostgresStore in process.
// It backs unit tests and local runs without a database.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	nextSourceID int64
	nextCashID   int64
	sources      map[int64]model.DataSource
	runs         map[uuid.UUID]model.SyncRun
	digests      map[string]model.ImportDigest
	positions    map[uuid.UUID][]model.StagingPosition
	cash         map[uuid.UUID][]model.StagingCashEvent
	canonical    map[int64]map[string]model.CanonicalPosition
	cashEvents   []model.CanonicalCashEvent
	cashKeys     map[string]bool
	conflicts    map[uuid.UUID]map[string]model.Conflict

	failures map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		sources:   make(map[int64]model.DataSource),
		runs:      make(map[uuid.UUID]model.SyncRun),
		digests:   make(map[string]model.ImportDigest),
		positions: make(map[uuid.UUID][]model.StagingPosition),
		cash:      make(map[uuid.UUID][]model.StagingCashEvent),
		canonical: make(map[int64]map[string]model.CanonicalPosition),
		cashKeys:  make(map[string]bool),
		conflicts: make(map[uuid.UUID]map[string]model.Conflict),
		failures:  make(map[string]error),
	}
}

// SetClock replaces the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailOn makes every later call of op fail with err wrapped as a persistence
// error. A nil err clears the failure. Op names match PostgresStore's.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryStore) fail(op string) error {
	if err, ok := m.failures[op]; ok {
		return model.Persist(op, err)
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return m.fail("ping") }

// --- Sources ---

func (m *MemoryStore) ListSources(_ context.Context, userID int64, enabledOnly bool) ([]model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list sources"); err != nil {
		return nil, err
	}

	var out []model.DataSource
	for _, src := range m.sources {
		if src.UserID == userID && (!enabledOnly || src.Enabled) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (m *MemoryStore) CreateSource(_ context.Context, src model.DataSource) (model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create source"); err != nil {
		return model.DataSource{}, err
	}

	m.nextSourceID++
	now := m.now().UTC()
	src.ID = m.nextSourceID
	src.CreatedAt = now
	src.UpdatedAt = now
	m.sources[src.ID] = src
	return src, nil
}

func (m *MemoryStore) GetSource(_ context.Context, id, userID int64) (*model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get source"); err != nil {
		return nil, err
	}
	src, ok := m.sources[id]
	if !ok || src.UserID != userID {
		return nil, nil
	}
	return &src, nil
}

func (m *MemoryStore) SetSourceEnabled(_ context.Context, id, userID int64, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set source enabled"); err != nil {
		return false, err
	}
	src, ok := m.sources[id]
	if !ok || src.UserID != userID {
		return false, nil
	}
	src.Enabled = enabled
	src.UpdatedAt = m.now().UTC()
	m.sources[id] = src
	return true, nil
}

func (m *MemoryStore) UpdateSourceConfig(_ context.Context, id, userID int64, cfg model.SourceConfig) (*model.DataSource, error) {
	return m.updateSource("update source config", id, userID, func(src *model.DataSource) { src.Config = cfg })
}

func (m *MemoryStore) UpdateSourcePriority(_ context.Context, id, userID int64, priority int) (*model.DataSource, error) {
	return m.updateSource("update source priority", id, userID, func(src *model.DataSource) { src.Priority = priority })
}

func (m *MemoryStore) updateSource(op string, id, userID int64, apply func(*model.DataSource)) (*model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(op); err != nil {
		return nil, err
	}
	src, ok := m.sources[id]
	if !ok || src.UserID != userID {
		return nil, nil
	}
	apply(&src)
	src.UpdatedAt = m.now().UTC()
	m.sources[id] = src
	return &src, nil
}

func (m *MemoryStore) DeleteSource(_ context.Context, id, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete source"); err != nil {
		return false, err
	}
	src, ok := m.sources[id]
	if !ok || src.UserID != userID {
		return false, nil
	}
	delete(m.sources, id)
	for k, d := range m.digests {
		if d.SourceID == id {
			delete(m.digests, k)
		}
	}
	for run, rows := range m.positions {
		m.positions[run] = slices.DeleteFunc(rows, func(p model.StagingPosition) bool { return p.SourceID == id })
	}
	for run, rows := range m.cash {
		m.cash[run] = slices.DeleteFunc(rows, func(c model.StagingCashEvent) bool { return c.SourceID == id })
	}
	return true, nil
}

func (m *MemoryStore) ListUsersWithEnabledSources(_ context.Context, types []model.SourceType) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list users with sources"); err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var users []int64
	for _, src := range m.sources {
		if src.Enabled && slices.Contains(types, src.Type) && !seen[src.UserID] {
			seen[src.UserID] = true
			users = append(users, src.UserID)
		}
	}
	slices.Sort(users)
	return users, nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run model.SyncRun, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create run"); err != nil {
		return err
	}

	var active []model.SyncRun
	for _, r := range m.runs {
		if r.UserID == run.UserID && !r.Status.IsTerminal() {
			active = append(active, r)
		}
	}
	if len(active) >= maxActive {
		sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
		return &model.ConcurrencyError{UserID: run.UserID, ActiveRunID: active[0].ID}
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, id uuid.UUID, status model.RunStatus, stats model.RunStats, finishedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("finish run"); err != nil {
		return false, err
	}
	run, ok := m.runs[id]
	if !ok || run.Status.IsTerminal() {
		return false, nil
	}
	run.Status = status
	run.Stats = stats
	run.FinishedAt = &finishedAt
	m.runs[id] = run
	return true, nil
}

func (m *MemoryStore) FailRun(_ context.Context, id uuid.UUID, failure string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("fail run"); err != nil {
		return err
	}
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("sync run %s: %w", id, model.ErrNotFound)
	}
	run.Status = model.StatusFailed
	run.Stats.Failure = failure
	if run.FinishedAt == nil {
		run.FinishedAt = &at
	}
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) ResetStaleRuns(_ context.Context, cutoff time.Time, failure string, at time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("reset stale runs"); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for id, run := range m.runs {
		if run.Status.IsTerminal() || !run.StartedAt.Before(cutoff) {
			continue
		}
		run.Status = model.StatusFailed
		run.Stats.Failure = failure
		run.FinishedAt = &at
		m.runs[id] = run
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get run"); err != nil {
		return nil, err
	}
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, userID int64, limit int) ([]model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list runs"); err != nil {
		return nil, err
	}
	var out []model.SyncRun
	for _, run := range m.runs {
		if run.UserID == userID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkReconciled(_ context.Context, summary model.ReconciliationSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("mark reconciled"); err != nil {
		return err
	}
	run, ok := m.runs[summary.SyncRunID]
	if !ok {
		return fmt.Errorf("sync run %s: %w", summary.SyncRunID, model.ErrNotFound)
	}
	if run.ReconciledAt != nil {
		return fmt.Errorf("sync run %s: %w", summary.SyncRunID, model.ErrAlreadyReconciled)
	}
	at := summary.ReconciledAt
	run.ReconciledAt = &at
	run.Stats.Reconciliation = &summary
	m.runs[run.ID] = run
	return nil
}

// --- Digests and staging ---

func digestKey(userID, sourceID int64, scope model.EntityScope, hash string) string {
	return digest.Key{UserID: userID, SourceID: sourceID, Scope: scope, Hash: hash}.String()
}

func (m *MemoryStore) DigestSeenAt(_ context.Context, key digest.Key, since time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("lookup digest"); err != nil {
		return time.Time{}, false, err
	}
	d, ok := m.digests[key.String()]
	if !ok || d.CreatedAt.Before(since) {
		return time.Time{}, false, nil
	}
	return d.CreatedAt, true, nil
}

func (m *MemoryStore) ReleaseDigests(_ context.Context, runID uuid.UUID) ([]digest.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("release digests"); err != nil {
		return nil, err
	}
	var keys []digest.Key
	for k, d := range m.digests {
		if d.SyncRunID != runID {
			continue
		}
		keys = append(keys, digest.Key{UserID: d.UserID, SourceID: d.SourceID, Scope: d.Scope, Hash: d.ContentHash})
		delete(m.digests, k)
	}
	return keys, nil
}

func (m *MemoryStore) StageBatch(_ context.Context, req model.StageRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("stage batch"); err != nil {
		return err
	}

	for _, d := range req.Digests {
		d.SyncRunID, d.UserID, d.SourceID = req.SyncRunID, req.UserID, req.SourceID
		m.digests[digestKey(req.UserID, req.SourceID, d.Scope, d.ContentHash)] = d
	}
	for _, p := range req.Positions {
		m.positions[req.SyncRunID] = append(m.positions[req.SyncRunID], model.StagingPosition{
			SyncRunID: req.SyncRunID, UserID: req.UserID, SourceID: req.SourceID, PositionRecord: p,
		})
	}
	for _, c := range req.CashEvents {
		c.EventDate = c.EventDate.UTC().Truncate(24 * time.Hour)
		m.cash[req.SyncRunID] = append(m.cash[req.SyncRunID], model.StagingCashEvent{
			SyncRunID: req.SyncRunID, UserID: req.UserID, SourceID: req.SourceID, CashRecord: c,
		})
	}
	return nil
}

// StagedPositions returns the raw staging rows of a run.
func (m *MemoryStore) StagedPositions(runID uuid.UUID) []model.StagingPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.positions[runID])
}

// StagedCashEvents returns the raw staging rows of a run.
func (m *MemoryStore) StagedCashEvents(runID uuid.UUID) []model.StagingCashEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cash[runID])
}

func (m *MemoryStore) LoadCandidates(_ context.Context, runID uuid.UUID) ([]model.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("load candidates"); err != nil {
		return nil, err
	}
	var out []model.Candidate
	for _, p := range m.positions[runID] {
		src, ok := m.sources[p.SourceID]
		if !ok {
			continue
		}
		out = append(out, model.Candidate{
			SourceID:   p.SourceID,
			SourceType: src.Type,
			Priority:   src.Priority,
			Symbol:     p.Symbol,
			Quantity:   p.Quantity,
			AvgCost:    p.AvgCost,
			AsOf:       p.AsOf,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out, nil
}

func (m *MemoryStore) LoadStagedCash(_ context.Context, runID uuid.UUID) ([]model.StagedCash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("load staged cash"); err != nil {
		return nil, err
	}
	var out []model.StagedCash
	for _, c := range m.cash[runID] {
		src, ok := m.sources[c.SourceID]
		if !ok {
			continue
		}
		out = append(out, model.StagedCash{SourceID: c.SourceID, SourceType: src.Type, CashRecord: c.CashRecord})
	}
	return out, nil
}

// --- Canonical ---

func (m *MemoryStore) ApplyPositions(_ context.Context, userID int64, runID uuid.UUID, winners []model.CanonicalPosition, conflicts []model.Conflict) (map[string]model.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("apply positions"); err != nil {
		return nil, err
	}

	book := m.canonical[userID]
	if book == nil {
		book = make(map[string]model.CanonicalPosition)
		m.canonical[userID] = book
	}

	outcomes := make(map[string]model.UpsertOutcome, len(winners))
	for _, w := range winners {
		w.UserID = userID
		existing, ok := book[w.Symbol]
		switch {
		case !ok:
			w.CurrentPrice = decimal.Zero
			book[w.Symbol] = w
			outcomes[w.Symbol] = model.UpsertInserted
		case existing.Quantity.Equal(w.Quantity) && existing.AvgCost.Equal(w.AvgCost) && existing.Source == w.Source:
			outcomes[w.Symbol] = model.UpsertUnchanged
		default:
			existing.Quantity = w.Quantity
			existing.AvgCost = w.AvgCost
			existing.Source = w.Source
			existing.SourceID = w.SourceID
			existing.LastUpdated = w.LastUpdated
			book[w.Symbol] = existing
			outcomes[w.Symbol] = model.UpsertUpdated
		}
	}

	if len(conflicts) > 0 {
		byRun := m.conflicts[runID]
		if byRun == nil {
			byRun = make(map[string]model.Conflict)
			m.conflicts[runID] = byRun
		}
		for _, c := range conflicts {
			byRun[c.Symbol] = c
		}
	}
	return outcomes, nil
}

func (m *MemoryStore) ApplyCashEvents(_ context.Context, userID int64, events []model.CanonicalCashEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("apply cash events"); err != nil {
		return 0, err
	}

	inserted := 0
	for _, e := range events {
		e.UserID = userID
		key := e.DedupKey()
		if m.cashKeys[key] {
			continue
		}
		m.nextCashID++
		e.ID = m.nextCashID
		e.CreatedAt = m.now().UTC()
		m.cashKeys[key] = true
		m.cashEvents = append(m.cashEvents, e)
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStore) ListPositions(_ context.Context, userID int64) ([]model.CanonicalPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list positions"); err != nil {
		return nil, err
	}
	var out []model.CanonicalPosition
	for _, p := range m.canonical[userID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) ListCashEvents(_ context.Context, userID int64) ([]model.CanonicalCashEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list cash events"); err != nil {
		return nil, err
	}
	var out []model.CanonicalCashEvent
	for _, e := range m.cashEvents {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventDate.Before(out[j].EventDate) })
	return out, nil
}

func (m *MemoryStore) ListConflicts(_ context.Context, runID uuid.UUID) ([]model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list conflicts"); err != nil {
		return nil, err
	}
	var out []model.Conflict
	for _, c := range m.conflicts[runID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
