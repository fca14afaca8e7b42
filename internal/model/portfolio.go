package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityScope partitions digests by the kind of data they cover.
type EntityScope string

const (
	ScopePositions EntityScope = "positions"
	ScopeTrades    EntityScope = "trades"
	ScopeCash      EntityScope = "cash"
)

// CashBalanceEvent is the event type adapters emit for reported cash balances.
const CashBalanceEvent = "cash_balance"

// ImportDigest marks a batch of data that has already been staged.
// Unique on (UserID, SourceID, ContentHash, Scope).
type ImportDigest struct {
	SyncRunID   uuid.UUID   `json:"sync_run_id"`
	UserID      int64       `json:"user_id"`
	SourceID    int64       `json:"source_id"`
	ContentHash string      `json:"content_hash"`
	Scope       EntityScope `json:"entity_scope"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PositionRecord is a normalized position as produced by an adapter.
type PositionRecord struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	Currency string          `json:"currency,omitempty"`
	AsOf     time.Time       `json:"as_of"`
	Meta     map[string]any  `json:"meta,omitempty"`
}

// CashRecord is a normalized cash movement as produced by an adapter.
type CashRecord struct {
	EventType string          `json:"event_type"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	EventDate time.Time       `json:"event_date"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// Batch is the normalized output of one adapter fetch.
// Digest, when set, is the adapter-supplied content hash for the positions scope.
type Batch struct {
	Positions  []PositionRecord `json:"positions"`
	CashEvents []CashRecord     `json:"cash_events"`
	Digest     string           `json:"digest,omitempty"`
}

// StagingPosition is a run-scoped, not-yet-merged position.
type StagingPosition struct {
	SyncRunID uuid.UUID
	UserID    int64
	SourceID  int64
	PositionRecord
}

// StagingCashEvent is a run-scoped, not-yet-merged cash movement.
type StagingCashEvent struct {
	SyncRunID uuid.UUID
	UserID    int64
	SourceID  int64
	CashRecord
}

// Candidate is a staged position joined with its source ranking data.
type Candidate struct {
	SourceID   int64           `json:"source_id"`
	SourceType SourceType      `json:"source_type"`
	Priority   int             `json:"priority"`
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	AsOf       time.Time       `json:"as_of"`
}

// StagedCash is a staged cash event joined with its source type.
type StagedCash struct {
	SourceID   int64
	SourceType SourceType
	CashRecord
}

// CanonicalPosition is the merged view: one row per (UserID, Symbol).
type CanonicalPosition struct {
	UserID       int64           `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	LastUpdated  time.Time       `json:"last_updated"`
	Source       SourceType      `json:"source"`
	SourceID     int64           `json:"source_id"`
}

// CanonicalCashEvent is an append-only ledger row.
type CanonicalCashEvent struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	EventType string          `json:"event_type"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	EventDate time.Time       `json:"event_date"`
	Source    SourceType      `json:"source"`
	SourceID  int64           `json:"source_id"`
	SyncRunID uuid.UUID       `json:"sync_run_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// DedupKey is the identity of a canonical cash event.
func (e CanonicalCashEvent) DedupKey() string {
	return CashDedupKey(e.UserID, e.EventType, e.Amount, e.Currency, e.EventDate, e.Source)
}

// CashDedupKey renders the cash identity tuple as a comparable string.
func CashDedupKey(userID int64, eventType string, amount decimal.Decimal, currency string, date time.Time, source SourceType) string {
	return strconv.FormatInt(userID, 10) + "|" + eventType + "|" + amount.String() + "|" + currency + "|" +
		date.UTC().Format(time.DateOnly) + "|" + string(source)
}

// StageRequest is everything one source contributes to a run. Stores write it
// atomically: digests and staging rows land together or not at all.
type StageRequest struct {
	SyncRunID  uuid.UUID
	UserID     int64
	SourceID   int64
	Digests    []ImportDigest
	Positions  []PositionRecord
	CashEvents []CashRecord
}
