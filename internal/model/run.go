package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger records what initiated a sync run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerAPI       Trigger = "api"
)

// ParseTrigger validates a trigger string. Empty defaults to api.
func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case "":
		return TriggerAPI, nil
	case TriggerManual, TriggerScheduled, TriggerAPI:
		return Trigger(s), nil
	default:
		return "", &ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown trigger %q", s)}
	}
}

// RunStatus is the SyncRun lifecycle state.
//
//	running → completed | partial | failed
//
// queued is accepted by the concurrency guard but never produced here.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusPartial   RunStatus = "partial"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// ActiveStatuses are the non-terminal states counted by the concurrency guard.
var ActiveStatuses = []RunStatus{StatusQueued, StatusRunning}

// SourceOutcome classifies what happened to one source within a run.
type SourceOutcome string

const (
	OutcomeImported SourceOutcome = "imported"
	OutcomeSkipped  SourceOutcome = "skipped"
	OutcomeFailed   SourceOutcome = "failed"
)

// ErrorKind classifies a per-source failure recorded in RunStats.Errors.
type ErrorKind string

const (
	ErrorKindNotConfigured  ErrorKind = "not_configured"
	ErrorKindAdapter        ErrorKind = "adapter"
	ErrorKindInvalidPayload ErrorKind = "invalid_payload"
)

// SourceError is one entry of stats.errors.
type SourceError struct {
	SourceID   int64      `json:"source_id"`
	SourceType SourceType `json:"source_type"`
	Kind       ErrorKind  `json:"kind"`
	Message    string     `json:"message"`
}

// SourceReport is the per-source outcome line of a run.
type SourceReport struct {
	SourceID   int64         `json:"source_id"`
	SourceType SourceType    `json:"source_type"`
	Outcome    SourceOutcome `json:"outcome"`
	Positions  int           `json:"positions"`
	CashEvents int           `json:"cash_events"`
	DurationMs int64         `json:"duration_ms"`
}

// RunStats is the single source of truth for what happened in a run.
type RunStats struct {
	SourcesProcessed   int                    `json:"sources_processed"`
	SourcesSkipped     int                    `json:"sources_skipped"`
	SourcesFailed      int                    `json:"sources_failed"`
	PositionsImported  int                    `json:"positions_imported"`
	CashEventsImported int                    `json:"cash_events_imported"`
	Errors             []SourceError          `json:"errors"`
	Sources            []SourceReport         `json:"sources"`
	Reconciliation     *ReconciliationSummary `json:"reconciliation,omitempty"`
	Failure            string                 `json:"failure,omitempty"`
}

// Record folds one source report into the counters.
func (s *RunStats) Record(r SourceReport) {
	s.Sources = append(s.Sources, r)
	switch r.Outcome {
	case OutcomeImported:
		s.SourcesProcessed++
		s.PositionsImported += r.Positions
		s.CashEventsImported += r.CashEvents
	case OutcomeSkipped:
		s.SourcesSkipped++
	case OutcomeFailed:
		s.SourcesFailed++
	}
}

// FinalStatus derives the terminal status of a run that reached the end.
func (s *RunStats) FinalStatus() RunStatus {
	if s.SourcesFailed > 0 {
		return StatusPartial
	}
	return StatusCompleted
}

// SyncRun is one execution of the ingestion pipeline for a user.
type SyncRun struct {
	ID           uuid.UUID  `json:"id"`
	UserID       int64      `json:"user_id"`
	Trigger      Trigger    `json:"trigger"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Stats        RunStats   `json:"stats"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
}
