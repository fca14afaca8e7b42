package adapter

import (
	"PortfolioFederation/internal/model"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// --- Normalized output contracts of the broker adapters ---
// Field names follow the camelCase JSON the adapter services emit.

// IbkrFlexPayload is the output of the IBKR Flex adapter.
type IbkrFlexPayload struct {
	AccountID string                     `json:"accountId"`
	AsOf      string                     `json:"asOf"`
	CashByCcy map[string]decimal.Decimal `json:"cashByCcy"`
	Portfolio IbkrPortfolio              `json:"portfolio"`
	Digest    string                     `json:"digest,omitempty"`
}

type IbkrPortfolio struct {
	Positions  []IbkrPosition  `json:"positions"`
	TotalValue decimal.Decimal `json:"totalValue"`
}

type IbkrPosition struct {
	Symbol      string          `json:"symbol"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	Currency    string          `json:"currency"`
	ValueCcy    decimal.Decimal `json:"valueCcy"`
	ValueBase   decimal.Decimal `json:"valueBase"`
}

// KucoinPayload is the output of the KuCoin adapter.
type KucoinPayload struct {
	Holdings     []KucoinHolding            `json:"holdings"`
	CashBalances map[string]decimal.Decimal `json:"cashBalances"`
	AsOf         string                     `json:"asOf"`
}

type KucoinHolding struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Available   decimal.Decimal `json:"available"`
	AccountType string          `json:"accountType"`
}

var asOfLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.DateOnly,
	"20060102;150405",
	"20060102",
}

// ParseAsOf accepts the timestamp layouts the adapters are known to emit.
// Results are in UTC.
func ParseAsOf(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: asOf is empty", ErrInvalidPayload)
	}
	for _, layout := range asOfLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable asOf %q", ErrInvalidPayload, s)
}

// NormalizeIbkr converts a Flex payload into a staging batch.
// Each cashByCcy entry becomes a cash_balance event dated asOf.
func NormalizeIbkr(p IbkrFlexPayload) (model.Batch, error) {
	asOf, err := ParseAsOf(p.AsOf)
	if err != nil {
		return model.Batch{}, err
	}

	positions := make([]model.PositionRecord, 0, len(p.Portfolio.Positions))
	for i, pos := range p.Portfolio.Positions {
		symbol := normalizeSymbol(pos.Symbol)
		if symbol == "" {
			return model.Batch{}, fmt.Errorf("%w: position %d has no symbol", ErrInvalidPayload, i)
		}
		currency := strings.ToUpper(strings.TrimSpace(pos.Currency))
		meta := map[string]any{
			"mark_price": pos.MarkPrice.String(),
			"value_ccy":  pos.ValueCcy.String(),
			"value_base": pos.ValueBase.String(),
		}
		if pos.Description != "" {
			meta["description"] = pos.Description
		}
		if p.AccountID != "" {
			meta["account_id"] = p.AccountID
		}
		positions = append(positions, model.PositionRecord{
			Symbol:   symbol,
			Quantity: pos.Quantity,
			AvgCost:  decimal.Zero,
			Currency: currency,
			AsOf:     asOf,
			Meta:     meta,
		})
	}

	cash := make([]model.CashRecord, 0, len(p.CashByCcy))
	for ccy, amount := range p.CashByCcy {
		code := strings.ToUpper(strings.TrimSpace(ccy))
		if code == "" {
			return model.Batch{}, fmt.Errorf("%w: cash balance without currency", ErrInvalidPayload)
		}
		cash = append(cash, model.CashRecord{
			EventType: model.CashBalanceEvent,
			Amount:    RoundToCurrency(amount, code),
			Currency:  code,
			EventDate: eventDate(asOf),
		})
	}
	sortCash(cash)

	return model.Batch{
		Positions:  mergeSymbols(positions),
		CashEvents: cash,
		Digest:     strings.TrimSpace(p.Digest),
	}, nil
}

// NormalizeKucoin converts a KuCoin payload into a staging batch. Holdings of
// the same symbol across account types are summed; cashBalances keys are
// either "CCY" or "CCY_accountType" and are summed per currency.
func NormalizeKucoin(p KucoinPayload) (model.Batch, error) {
	asOf, err := ParseAsOf(p.AsOf)
	if err != nil {
		return model.Batch{}, err
	}

	positions := make([]model.PositionRecord, 0, len(p.Holdings))
	for i, h := range p.Holdings {
		symbol := normalizeSymbol(h.Symbol)
		if symbol == "" {
			return model.Batch{}, fmt.Errorf("%w: holding %d has no symbol", ErrInvalidPayload, i)
		}
		positions = append(positions, model.PositionRecord{
			Symbol:   symbol,
			Quantity: h.Quantity,
			AvgCost:  decimal.Zero,
			AsOf:     asOf,
			Meta: map[string]any{
				"available":    h.Available.String(),
				"account_type": h.AccountType,
			},
		})
	}

	totals := make(map[string]decimal.Decimal)
	accounts := make(map[string][]string)
	for key, amount := range p.CashBalances {
		ccy, account, _ := strings.Cut(strings.TrimSpace(key), "_")
		ccy = strings.ToUpper(ccy)
		if ccy == "" {
			return model.Batch{}, fmt.Errorf("%w: cash balance key %q without currency", ErrInvalidPayload, key)
		}
		totals[ccy] = totals[ccy].Add(amount)
		if account != "" {
			accounts[ccy] = append(accounts[ccy], account)
		}
	}

	cash := make([]model.CashRecord, 0, len(totals))
	for ccy, amount := range totals {
		rec := model.CashRecord{
			EventType: model.CashBalanceEvent,
			Amount:    RoundToCurrency(amount, ccy),
			Currency:  ccy,
			EventDate: eventDate(asOf),
		}
		if accts := accounts[ccy]; len(accts) > 0 {
			sort.Strings(accts)
			rec.Meta = map[string]any{"accounts": accts}
		}
		cash = append(cash, rec)
	}
	sortCash(cash)

	return model.Batch{Positions: mergeSymbols(positions), CashEvents: cash}, nil
}

// RoundToCurrency rounds ISO-4217 amounts to the currency's minor units.
// Codes unknown to the currency table (crypto assets) keep full precision.
func RoundToCurrency(amount decimal.Decimal, code string) decimal.Decimal {
	c := money.GetCurrency(code)
	if c == nil {
		return amount
	}
	return amount.Round(int32(c.Fraction))
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// eventDate truncates t to its UTC calendar date.
func eventDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// mergeSymbols sums quantities of records sharing a symbol so every source
// contributes at most one candidate per symbol. First-seen order is kept.
func mergeSymbols(in []model.PositionRecord) []model.PositionRecord {
	index := make(map[string]int, len(in))
	out := make([]model.PositionRecord, 0, len(in))
	for _, rec := range in {
		i, seen := index[rec.Symbol]
		if !seen {
			index[rec.Symbol] = len(out)
			out = append(out, rec)
			continue
		}
		merged := out[i]
		merged.Quantity = merged.Quantity.Add(rec.Quantity)
		merged.Meta = map[string]any{"merged_records": mergedCount(merged.Meta) + 1}
		out[i] = merged
	}
	return out
}

func mergedCount(meta map[string]any) int {
	if n, ok := meta["merged_records"].(int); ok {
		return n
	}
	return 1
}

func sortCash(cash []model.CashRecord) {
	sort.Slice(cash, func(i, j int) bool { return cash[i].Currency < cash[j].Currency })
}

// NormalizeBatch applies the adapter normalization rules to a batch pushed by
// an import (csv, manual): upper-cased symbols and currencies, merged
// duplicate symbols, UTC calendar-date cash events and fiat rounding.
func NormalizeBatch(b model.Batch) (model.Batch, error) {
	positions := make([]model.PositionRecord, 0, len(b.Positions))
	for i, p := range b.Positions {
		p.Symbol = normalizeSymbol(p.Symbol)
		if p.Symbol == "" {
			return model.Batch{}, fmt.Errorf("%w: position %d has no symbol", ErrInvalidPayload, i)
		}
		if p.AsOf.IsZero() {
			return model.Batch{}, fmt.Errorf("%w: position %s has no as_of", ErrInvalidPayload, p.Symbol)
		}
		p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
		p.AsOf = p.AsOf.UTC()
		positions = append(positions, p)
	}

	cash := make([]model.CashRecord, 0, len(b.CashEvents))
	for i, c := range b.CashEvents {
		c.EventType = strings.TrimSpace(c.EventType)
		c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
		if c.EventType == "" || c.Currency == "" || c.EventDate.IsZero() {
			return model.Batch{}, fmt.Errorf("%w: cash event %d is incomplete", ErrInvalidPayload, i)
		}
		c.Amount = RoundToCurrency(c.Amount, c.Currency)
		c.EventDate = eventDate(c.EventDate)
		cash = append(cash, c)
	}

	return model.Batch{Positions: mergeSymbols(positions), CashEvents: cash, Digest: strings.TrimSpace(b.Digest)}, nil
}
