package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourceType(t *testing.T) {
	for _, st := range AllSourceTypes {
		got, err := ParseSourceType(" " + string(st) + " ")
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}

	_, err := ParseSourceType("robinhood")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "source_type", verr.Field)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseTrigger(t *testing.T) {
	got, err := ParseTrigger("")
	require.NoError(t, err)
	assert.Equal(t, TriggerAPI, got)

	got, err = ParseTrigger("scheduled")
	require.NoError(t, err)
	assert.Equal(t, TriggerScheduled, got)

	_, err = ParseTrigger("cron")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDecodeSourceConfig(t *testing.T) {
	tests := []struct {
		name    string
		typ     SourceType
		raw     map[string]string
		want    SourceConfig
		missing []string
	}{
		{
			name: "ibkr complete",
			typ:  SourceIbkrFlex,
			raw:  map[string]string{"flex_token": "t", "flex_query_id": " 42 ", "extra": "ignored"},
			want: IbkrFlexConfig{FlexToken: "t", FlexQueryID: "42"},
		},
		{
			name:    "ibkr blank value counts as missing",
			typ:     SourceIbkrFlex,
			raw:     map[string]string{"flex_token": "  "},
			missing: []string{"flex_query_id", "flex_token"},
		},
		{
			name:    "kucoin missing sorted",
			typ:     SourceKucoin,
			raw:     map[string]string{"api_key": "k"},
			missing: []string{"api_passphrase", "api_secret"},
		},
		{
			name: "csv needs nothing",
			typ:  SourceCSV,
			raw:  nil,
			want: CSVConfig{},
		},
		{
			name: "manual needs nothing",
			typ:  SourceManual,
			raw:  map[string]string{"anything": "x"},
			want: ManualConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := DecodeSourceConfig(tt.typ, tt.raw)
			if tt.missing != nil {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, tt.missing, verr.Missing)
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
			assert.Equal(t, tt.typ, cfg.Type())
		})
	}
}

func TestEncodeSourceConfig_RoundTrip(t *testing.T) {
	in := KucoinConfig{APIKey: "k", APISecret: "s", APIPassphrase: "p"}
	out, err := DecodeSourceConfig(SourceKucoin, EncodeSourceConfig(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Empty(t, EncodeSourceConfig(CSVConfig{}))
}

func TestConfidenceRanking(t *testing.T) {
	assert.Greater(t, SourceIbkrFlex.Confidence(), SourceKucoin.Confidence())
	assert.Greater(t, SourceKucoin.Confidence(), SourceCSV.Confidence())
	assert.Greater(t, SourceCSV.Confidence(), SourceManual.Confidence())
	assert.True(t, SourceKucoin.Automatic())
	assert.False(t, SourceCSV.Automatic())
}

func TestRunStats_Record(t *testing.T) {
	var s RunStats
	s.Record(SourceReport{Outcome: OutcomeImported, Positions: 3, CashEvents: 1})
	s.Record(SourceReport{Outcome: OutcomeSkipped})
	assert.Equal(t, StatusCompleted, s.FinalStatus())

	s.Record(SourceReport{Outcome: OutcomeFailed})
	assert.Equal(t, 1, s.SourcesProcessed)
	assert.Equal(t, 1, s.SourcesSkipped)
	assert.Equal(t, 1, s.SourcesFailed)
	assert.Equal(t, 3, s.PositionsImported)
	assert.Equal(t, 1, s.CashEventsImported)
	assert.Equal(t, StatusPartial, s.FinalStatus())
	assert.Len(t, s.Sources, 3)
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusPartial.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestCashDedupKey(t *testing.T) {
	day := time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)
	a := CashDedupKey(1, "deposit", decimal.RequireFromString("100.00"), "USD", day, SourceManual)
	b := CashDedupKey(1, "deposit", decimal.NewFromInt(100), "USD", day.Add(2*time.Hour), SourceManual)
	c := CashDedupKey(1, "deposit", decimal.NewFromInt(100), "EUR", day, SourceManual)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "currency is part of the identity")
}

func TestErrorTaxonomy(t *testing.T) {
	cerr := fmt.Errorf("start: %w", &ConcurrencyError{UserID: 1, ActiveRunID: uuid.New()})
	assert.ErrorIs(t, cerr, ErrConcurrency)
	assert.NotErrorIs(t, cerr, ErrPersistence)

	driver := errors.New("connection reset")
	perr := Persist("stage batch", driver)
	assert.ErrorIs(t, perr, ErrPersistence)
	assert.ErrorIs(t, perr, driver)
	assert.Same(t, perr, Persist("outer", perr), "already wrapped errors are kept")
	assert.NoError(t, Persist("noop", nil))
}
