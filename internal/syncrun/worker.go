package syncrun

import (
	"PortfolioFederation/internal/adapter"
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/model"
	"context"
	"errors"
	"fmt"
	"sync"
)

type job struct {
	source model.DataSource
	fetch  func(ctx context.Context) (model.Batch, error)
}

// outcome is the result of one job. fatal aborts the whole run.
type outcome struct {
	done   bool
	report model.SourceReport
	err    *model.SourceError
	fatal  error
}

// runJobs processes jobs on up to opts.Workers goroutines. Outcomes are
// returned in job order regardless of completion order. The first fatal
// error cancels jobs that have not finished; outcomes of jobs that never
// completed are left with done unset.
func (o *Orchestrator) runJobs(ctx context.Context, run model.SyncRun, jobs []job) ([]outcome, error) {
	results := make([]outcome, len(jobs))

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once  sync.Once
		fatal error
	)
	abort := func(err error) {
		once.Do(func() {
			fatal = err
			cancel()
		})
	}

	workers := min(o.opts.Workers, len(jobs))
	if workers <= 1 {
		for i, j := range jobs {
			results[i] = o.process(poolCtx, run, j)
			if results[i].fatal != nil {
				abort(results[i].fatal)
				break
			}
		}
	} else {
		idx := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range idx {
					results[i] = o.process(poolCtx, run, jobs[i])
					if results[i].fatal != nil {
						abort(results[i].fatal)
					}
				}
			}()
		}

	feed:
		for i := range jobs {
			select {
			case idx <- i:
			case <-poolCtx.Done():
				break feed
			}
		}
		close(idx)
		wg.Wait()
	}

	if fatal != nil {
		return results, fatal
	}
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("sync interrupted: %w", err)
	}
	return results, nil
}

// process fetches one source, drops scopes already staged within the dedup
// window and stages the rest in a single store transaction.
func (o *Orchestrator) process(ctx context.Context, run model.SyncRun, j job) outcome {
	src := j.source
	started := o.now()
	log := o.logger.With().
		Str("run_id", run.ID.String()).
		Int64("source_id", src.ID).
		Str("source_type", string(src.Type)).
		Logger()

	report := model.SourceReport{SourceID: src.ID, SourceType: src.Type}
	done := func(oc model.SourceOutcome) outcome {
		report.Outcome = oc
		report.DurationMs = o.now().Sub(started).Milliseconds()
		o.metrics.SourceDone(string(src.Type), string(oc), o.now().Sub(started).Seconds(), report.Positions, report.CashEvents)
		return outcome{done: true, report: report}
	}
	failed := func(kind model.ErrorKind, err error) outcome {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("source failed")
		oc := done(model.OutcomeFailed)
		oc.err = &model.SourceError{SourceID: src.ID, SourceType: src.Type, Kind: kind, Message: err.Error()}
		return oc
	}

	batch, err := j.fetch(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome{fatal: fmt.Errorf("source %d: %w", src.ID, ctxErr)}
		}
		return failed(adapter.Classify(err), err)
	}

	hashes, err := digest.ScopeHashes(batch)
	if err != nil {
		return failed(model.ErrorKindInvalidPayload, err)
	}

	fresh := make(map[model.EntityScope]digest.Key, len(hashes))
	for _, scope := range []model.EntityScope{model.ScopePositions, model.ScopeCash} {
		h, ok := hashes[scope]
		if !ok {
			continue
		}
		key := digest.Key{UserID: run.UserID, SourceID: src.ID, Scope: scope, Hash: h}
		dup, err := o.checker.IsDuplicate(ctx, key)
		if err != nil {
			return outcome{fatal: err}
		}
		if dup {
			log.Debug().Str("scope", string(scope)).Str("digest", h).Msg("scope already staged")
			continue
		}
		fresh[scope] = key
	}

	if len(hashes) > 0 && len(fresh) == 0 {
		log.Info().Msg("source skipped: unchanged since last import")
		return done(model.OutcomeSkipped)
	}
	if _, ok := fresh[model.ScopePositions]; !ok {
		batch.Positions = nil
	}
	if _, ok := fresh[model.ScopeCash]; !ok {
		batch.CashEvents = nil
	}

	req := model.StageRequest{
		SyncRunID:  run.ID,
		UserID:     run.UserID,
		SourceID:   src.ID,
		Positions:  batch.Positions,
		CashEvents: batch.CashEvents,
	}
	stagedAt := o.now().UTC()
	for _, scope := range []model.EntityScope{model.ScopePositions, model.ScopeCash} {
		if key, ok := fresh[scope]; ok {
			req.Digests = append(req.Digests, model.ImportDigest{
				SyncRunID:   run.ID,
				UserID:      run.UserID,
				SourceID:    src.ID,
				ContentHash: key.Hash,
				Scope:       scope,
				CreatedAt:   stagedAt,
			})
		}
	}

	if len(req.Digests) > 0 {
		if err := o.store.StageBatch(ctx, req); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return outcome{fatal: fmt.Errorf("stage source %d: %w", src.ID, err)}
			}
			return outcome{fatal: model.Persist("stage batch", err)}
		}
		for _, key := range fresh {
			o.checker.MarkStaged(key, stagedAt)
		}
	}

	report.Positions = len(batch.Positions)
	report.CashEvents = len(batch.CashEvents)
	log.Info().
		Int("positions", report.Positions).
		Int("cash_events", report.CashEvents).
		Msg("source staged")
	return done(model.OutcomeImported)
}
