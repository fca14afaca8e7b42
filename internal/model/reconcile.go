package model

import (
	"time"

	"github.com/google/uuid"
)

// ResolutionRule names the rule that decided a multi-candidate symbol.
type ResolutionRule string

const (
	RulePriority   ResolutionRule = "priority"
	RuleFreshness  ResolutionRule = "freshness"
	RuleConfidence ResolutionRule = "confidence"
	RuleSourceID   ResolutionRule = "source_id"
)

// Conflict records a symbol that more than one source reported in a run.
type Conflict struct {
	SyncRunID uuid.UUID      `json:"sync_run_id"`
	UserID    int64          `json:"user_id"`
	Symbol    string         `json:"symbol"`
	Rule      ResolutionRule `json:"rule"`
	Winner    Candidate      `json:"winner"`
	Discarded []Candidate    `json:"discarded"`
}

// PositionsResult is returned by position reconciliation.
type PositionsResult struct {
	Inserted  int        `json:"inserted"`
	Updated   int        `json:"updated"`
	Skipped   int        `json:"skipped"`
	Conflicts []Conflict `json:"conflicts"`
}

// CashResult is returned by cash event reconciliation.
type CashResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// ReconciliationSummary is the combined, timestamped outcome of a reconciliation.
type ReconciliationSummary struct {
	SyncRunID    uuid.UUID       `json:"sync_run_id"`
	UserID       int64           `json:"user_id"`
	Positions    PositionsResult `json:"positions"`
	CashEvents   CashResult      `json:"cash_events"`
	ReconciledAt time.Time       `json:"reconciled_at"`
}

// UpsertOutcome classifies a single canonical position write.
type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertUpdated
	UpsertUnchanged
)
