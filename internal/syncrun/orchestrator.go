// Package syncrun owns the sync-run lifecycle: guarded run creation, per-source
// fetch, digest dedup and staging, and the terminal status of each run.
package syncrun

import (
	"PortfolioFederation/internal/adapter"
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StaleRunFailure is the failure text written by ResetStaleRuns.
const StaleRunFailure = "stale run reset"

// Store persists runs, digests and staging rows.
type Store interface {
	digest.Store
	CreateRun(ctx context.Context, run model.SyncRun, maxActive int) error
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, stats model.RunStats, finishedAt time.Time) (bool, error)
	FailRun(ctx context.Context, id uuid.UUID, failure string, at time.Time) error
	ResetStaleRuns(ctx context.Context, cutoff time.Time, failure string, at time.Time) ([]uuid.UUID, error)
	GetRun(ctx context.Context, id uuid.UUID) (*model.SyncRun, error)
	ListRuns(ctx context.Context, userID int64, limit int) ([]model.SyncRun, error)
	StageBatch(ctx context.Context, req model.StageRequest) error
	ReleaseDigests(ctx context.Context, runID uuid.UUID) ([]digest.Key, error)
}

// Sources is the read side of the source registry.
type Sources interface {
	ListEnabledSources(ctx context.Context, userID int64) ([]model.DataSource, error)
	GetSource(ctx context.Context, id, userID int64) (*model.DataSource, error)
}

type Options struct {
	MaxConcurrency int // active runs allowed per user
	Workers        int // sources fetched in parallel within one run
}

// RunResult is what a finished run reports to its caller.
type RunResult struct {
	RunID      uuid.UUID       `json:"run_id"`
	UserID     int64           `json:"user_id"`
	Trigger    model.Trigger   `json:"trigger"`
	Status     model.RunStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Stats      model.RunStats  `json:"stats"`
}

type Orchestrator struct {
	store    Store
	sources  Sources
	adapters *adapter.Registry
	checker  *digest.Checker
	opts     Options
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func New(store Store, sources Sources, adapters *adapter.Registry, checker *digest.Checker, opts Options, metrics *observability.Metrics, logger zerolog.Logger) *Orchestrator {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Orchestrator{
		store:    store,
		sources:  sources,
		adapters: adapters,
		checker:  checker,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source for run timestamps and digest windows.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.checker.SetClock(now)
}

// StartSync creates a running run for userID. It fails with a
// *model.ConcurrencyError when the user's active-run limit is reached.
func (o *Orchestrator) StartSync(ctx context.Context, userID int64, trigger model.Trigger) (uuid.UUID, error) {
	run, err := o.start(ctx, userID, trigger)
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

func (o *Orchestrator) start(ctx context.Context, userID int64, trigger model.Trigger) (model.SyncRun, error) {
	run := model.SyncRun{
		ID:        uuid.New(),
		UserID:    userID,
		Trigger:   trigger,
		Status:    model.StatusRunning,
		StartedAt: o.now().UTC(),
		Stats:     model.RunStats{Errors: []model.SourceError{}, Sources: []model.SourceReport{}},
	}
	if err := o.store.CreateRun(ctx, run, o.opts.MaxConcurrency); err != nil {
		if errors.Is(err, model.ErrConcurrency) {
			o.metrics.RunRejected(string(trigger))
			o.logger.Info().Int64("user_id", userID).Err(err).Msg("sync rejected: run already active")
			return model.SyncRun{}, err
		}
		return model.SyncRun{}, model.Persist("start sync", err)
	}

	o.metrics.RunStarted(string(trigger))
	o.logger.Info().
		Str("run_id", run.ID.String()).
		Int64("user_id", userID).
		Str("trigger", string(trigger)).
		Msg("sync run started")
	return run, nil
}

// RunFullSync pulls every enabled automatic source of userID, in priority
// order, into staging under a new run.
func (o *Orchestrator) RunFullSync(ctx context.Context, userID int64, trigger model.Trigger) (*RunResult, error) {
	run, err := o.start(ctx, userID, trigger)
	if err != nil {
		return nil, err
	}

	all, err := o.sources.ListEnabledSources(ctx, userID)
	if err != nil {
		return o.finish(ctx, run, nil, model.Persist("list enabled sources", err))
	}

	var jobs []job
	for _, src := range all {
		if !src.Type.Automatic() {
			continue
		}
		jobs = append(jobs, job{source: src, fetch: o.adapterFetch(src)})
	}

	reports, fatal := o.runJobs(ctx, run, jobs)
	return o.finish(ctx, run, reports, fatal)
}

// ImportBatch stages a batch pushed for a csv or manual source under a new
// one-source run.
func (o *Orchestrator) ImportBatch(ctx context.Context, userID, sourceID int64, trigger model.Trigger, batch model.Batch) (*RunResult, error) {
	src, err := o.sources.GetSource(ctx, sourceID, userID)
	if err != nil {
		return nil, model.Persist("get source", err)
	}
	if src == nil {
		return nil, fmt.Errorf("source %d for user %d: %w", sourceID, userID, model.ErrNotFound)
	}
	if !src.Enabled {
		return nil, &model.ValidationError{Field: "source_id", Reason: fmt.Sprintf("source %d is disabled", sourceID)}
	}
	if src.Type.Automatic() {
		return nil, &model.ValidationError{Field: "source_id", Reason: fmt.Sprintf("%s sources are pulled by sync, not imported", src.Type)}
	}

	run, err := o.start(ctx, userID, trigger)
	if err != nil {
		return nil, err
	}

	fetch := func(context.Context) (model.Batch, error) { return adapter.NormalizeBatch(batch) }
	reports, fatal := o.runJobs(ctx, run, []job{{source: *src, fetch: fetch}})
	return o.finish(ctx, run, reports, fatal)
}

func (o *Orchestrator) adapterFetch(src model.DataSource) func(context.Context) (model.Batch, error) {
	return func(ctx context.Context) (model.Batch, error) {
		if src.Config == nil {
			return model.Batch{}, fmt.Errorf("source %d has no valid config: %w", src.ID, adapter.ErrNotConfigured)
		}
		a, err := o.adapters.For(src.Type)
		if err != nil {
			return model.Batch{}, err
		}
		return a.Fetch(ctx, src)
	}
}

// finish writes the terminal status. Writes use a context detached from
// cancellation so an interrupted run never stays running.
func (o *Orchestrator) finish(ctx context.Context, run model.SyncRun, reports []outcome, fatal error) (*RunResult, error) {
	stats := run.Stats
	for _, r := range reports {
		if !r.done {
			continue
		}
		stats.Record(r.report)
		if r.err != nil {
			stats.Errors = append(stats.Errors, *r.err)
		}
	}

	status := stats.FinalStatus()
	if fatal != nil {
		status = model.StatusFailed
		stats.Failure = fatal.Error()
	}

	finishedAt := o.now().UTC()
	writeCtx := context.WithoutCancel(ctx)
	ok, err := o.store.FinishRun(writeCtx, run.ID, status, stats, finishedAt)
	if err != nil {
		err = model.Persist("finish run", err)
		// Best effort: the run must not stay running when stats cannot be written.
		if ferr := o.store.FailRun(writeCtx, run.ID, err.Error(), finishedAt); ferr != nil {
			o.logger.Error().Err(ferr).Str("run_id", run.ID.String()).Msg("could not mark run failed")
		}
		o.releaseDigests(writeCtx, run.ID)
		o.metrics.RunFinished(string(run.Trigger), string(model.StatusFailed), finishedAt.Sub(run.StartedAt).Seconds())
		return nil, err
	}
	if !ok {
		o.logger.Warn().Str("run_id", run.ID.String()).Msg("run was no longer active when it finished")
		current, gerr := o.store.GetRun(writeCtx, run.ID)
		if gerr == nil && current != nil {
			status, stats = current.Status, current.Stats
		}
	}
	if status == model.StatusFailed {
		o.releaseDigests(writeCtx, run.ID)
	}

	o.metrics.RunFinished(string(run.Trigger), string(status), finishedAt.Sub(run.StartedAt).Seconds())
	o.logger.Info().
		Str("run_id", run.ID.String()).
		Int64("user_id", run.UserID).
		Str("status", string(status)).
		Int("processed", stats.SourcesProcessed).
		Int("skipped", stats.SourcesSkipped).
		Int("failed", stats.SourcesFailed).
		Int("positions", stats.PositionsImported).
		Int("cash_events", stats.CashEventsImported).
		Msg("sync run finished")

	result := &RunResult{
		RunID:      run.ID,
		UserID:     run.UserID,
		Trigger:    run.Trigger,
		Status:     status,
		StartedAt:  run.StartedAt,
		FinishedAt: finishedAt,
		Stats:      stats,
	}
	if fatal != nil {
		return result, fatal
	}
	return result, nil
}

// GetRun returns nil when the run does not exist.
func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (*model.SyncRun, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, model.Persist("get run", err)
	}
	return run, nil
}

// ListRuns returns the user's latest runs, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, userID int64, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	runs, err := o.store.ListRuns(ctx, userID, limit)
	if err != nil {
		return nil, model.Persist("list runs", err)
	}
	return runs, nil
}

// ResetStaleRuns fails every queued or running run started more than
// olderThan ago, unblocking their users.
func (o *Orchestrator) ResetStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	now := o.now().UTC()
	ids, err := o.store.ResetStaleRuns(ctx, now.Add(-olderThan), StaleRunFailure, now)
	if err != nil {
		return 0, model.Persist("reset stale runs", err)
	}
	for _, id := range ids {
		o.logger.Warn().Str("run_id", id.String()).Dur("older_than", olderThan).Msg("stale run reset to failed")
		o.releaseDigests(context.WithoutCancel(ctx), id)
	}
	o.metrics.StaleReset(len(ids))
	return len(ids), nil
}

// FailRun forces a run to failed after the fact, recording cause.
func (o *Orchestrator) FailRun(ctx context.Context, id uuid.UUID, cause error) error {
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.store.FailRun(context.WithoutCancel(ctx), id, msg, o.now().UTC()); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return model.Persist("fail run", err)
	}
	o.logger.Warn().Str("run_id", id.String()).Str("cause", msg).Msg("run marked failed")
	o.releaseDigests(context.WithoutCancel(ctx), id)
	return nil
}

// releaseDigests drops the digests a failed run wrote so an unchanged payload
// is staged again by the next run instead of being skipped. Errors are logged.
func (o *Orchestrator) releaseDigests(ctx context.Context, runID uuid.UUID) {
	keys, err := o.store.ReleaseDigests(ctx, runID)
	if err != nil {
		o.logger.Error().Err(err).Str("run_id", runID.String()).Msg("could not release digests of failed run")
		return
	}
	o.checker.Evict(keys...)
	if len(keys) > 0 {
		o.logger.Info().Str("run_id", runID.String()).Int("digests", len(keys)).Msg("released digests of failed run")
	}
}
