// Package scheduler glues sync and reconciliation together and drives
// periodic syncs.
package scheduler

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/syncrun"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Syncer interface {
	RunFullSync(ctx context.Context, userID int64, trigger model.Trigger) (*syncrun.RunResult, error)
	ImportBatch(ctx context.Context, userID, sourceID int64, trigger model.Trigger, batch model.Batch) (*syncrun.RunResult, error)
	FailRun(ctx context.Context, id uuid.UUID, cause error) error
}

type Reconciler interface {
	RunReconciliation(ctx context.Context, runID uuid.UUID, userID int64) (*model.ReconciliationSummary, error)
}

// Users lists the users that own at least one enabled source of the types.
type Users interface {
	ListUsersWithEnabledSources(ctx context.Context, types []model.SourceType) ([]int64, error)
}

// Publisher announces the outcome of a run. Errors are logged by the caller
// and never fail the run.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Outcome is the combined result of a sync followed by its reconciliation.
type Outcome struct {
	Run            *syncrun.RunResult           `json:"run"`
	Reconciliation *model.ReconciliationSummary `json:"reconciliation,omitempty"`
}

// Event is the lifecycle message published for every finished run.
type Event struct {
	RunID          uuid.UUID                    `json:"run_id"`
	UserID         int64                        `json:"user_id"`
	Trigger        model.Trigger                `json:"trigger"`
	Status         model.RunStatus              `json:"status"`
	Stats          model.RunStats               `json:"stats"`
	Reconciliation *model.ReconciliationSummary `json:"reconciliation,omitempty"`
}

func (o *Outcome) Event() Event {
	return Event{
		RunID:          o.Run.RunID,
		UserID:         o.Run.UserID,
		Trigger:        o.Run.Trigger,
		Status:         o.Run.Status,
		Stats:          o.Run.Stats,
		Reconciliation: o.Reconciliation,
	}
}

type Scheduler struct {
	syncer     Syncer
	reconciler Reconciler
	users      Users
	publisher  Publisher
	interval   time.Duration
	logger     zerolog.Logger
}

// New builds a scheduler. A nil publisher is replaced by NopPublisher and an
// interval of 0 disables the ticker in Run.
func New(syncer Syncer, reconciler Reconciler, users Users, publisher Publisher, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Scheduler{
		syncer:     syncer,
		reconciler: reconciler,
		users:      users,
		publisher:  publisher,
		interval:   interval,
		logger:     logger,
	}
}

// RunFullSyncWithReconciliation syncs userID and reconciles the run when it
// reached completed or partial. Sync errors are returned unchanged. A
// reconciliation error marks the run failed and is returned unchanged.
func (s *Scheduler) RunFullSyncWithReconciliation(ctx context.Context, userID int64, trigger model.Trigger) (*Outcome, error) {
	res, err := s.syncer.RunFullSync(ctx, userID, trigger)
	return s.reconcile(ctx, res, err)
}

// ImportWithReconciliation stages a pushed batch for a csv or manual source
// and reconciles its run, with the same error rules as a full sync.
func (s *Scheduler) ImportWithReconciliation(ctx context.Context, userID, sourceID int64, trigger model.Trigger, batch model.Batch) (*Outcome, error) {
	res, err := s.syncer.ImportBatch(ctx, userID, sourceID, trigger, batch)
	return s.reconcile(ctx, res, err)
}

func (s *Scheduler) reconcile(ctx context.Context, res *syncrun.RunResult, err error) (*Outcome, error) {
	if err != nil {
		if res != nil {
			s.publish(ctx, &Outcome{Run: res})
		}
		return nil, err
	}

	out := &Outcome{Run: res}
	if res.Status != model.StatusCompleted && res.Status != model.StatusPartial {
		s.publish(ctx, out)
		return out, nil
	}

	summary, err := s.reconciler.RunReconciliation(ctx, res.RunID, res.UserID)
	if err != nil {
		if ferr := s.syncer.FailRun(ctx, res.RunID, fmt.Errorf("reconciliation: %w", err)); ferr != nil {
			s.logger.Error().Err(ferr).Str("run_id", res.RunID.String()).Msg("could not fail run after reconciliation error")
		}
		res.Status = model.StatusFailed
		res.Stats.Failure = fmt.Sprintf("reconciliation: %v", err)
		s.publish(ctx, out)
		return nil, err
	}

	out.Reconciliation = summary
	res.Stats.Reconciliation = summary
	s.publish(ctx, out)
	return out, nil
}

func (s *Scheduler) publish(ctx context.Context, out *Outcome) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), out.Event()); err != nil {
		s.logger.Warn().Err(err).Str("run_id", out.Run.RunID.String()).Msg("publish sync event failed")
	}
}

// Run syncs every user with enabled automatic sources each interval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info().Msg("scheduled sync disabled")
		<-ctx.Done()
		return nil
	}

	s.logger.Info().Dur("interval", s.interval).Msg("scheduled sync started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled sweep failed")
			}
		}
	}
}

// Sweep runs one scheduled sync for every eligible user and returns how many
// runs finished. Users with an active run are skipped.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	users, err := s.users.ListUsersWithEnabledSources(ctx, automaticTypes())
	if err != nil {
		return 0, model.Persist("list scheduled users", err)
	}

	finished := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		out, err := s.RunFullSyncWithReconciliation(ctx, userID, model.TriggerScheduled)
		switch {
		case errors.Is(err, model.ErrConcurrency):
			s.logger.Info().Int64("user_id", userID).Msg("scheduled sync skipped: run already active")
		case err != nil:
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("scheduled sync failed")
		default:
			finished++
			s.logger.Debug().Int64("user_id", userID).Str("status", string(out.Run.Status)).Msg("scheduled sync done")
		}
	}
	return finished, nil
}

func automaticTypes() []model.SourceType {
	var out []model.SourceType
	for _, t := range model.AllSourceTypes {
		if t.Automatic() {
			out = append(out, t)
		}
	}
	return out
}
