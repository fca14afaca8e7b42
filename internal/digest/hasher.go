package digest

import (
	"PortfolioFederation/internal/model"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical renders v as JSON with every object's keys sorted at every depth.
// Two structurally identical values yield identical bytes regardless of the
// key order they were built with.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	return json.Marshal(generic)
}

// Hash returns the hex SHA-256 of v's canonical form.
func Hash(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashPositions hashes a positions batch independently of record order.
func HashPositions(records []model.PositionRecord) (string, error) {
	sorted := make([]model.PositionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Symbol != sorted[j].Symbol {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].Currency < sorted[j].Currency
	})
	return Hash(sorted)
}

// HashCash hashes a cash batch independently of record order.
func HashCash(records []model.CashRecord) (string, error) {
	sorted := make([]model.CashRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.Before(b.EventDate)
		}
		if a.EventType != b.EventType {
			return a.EventType < b.EventType
		}
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		return a.Amount.LessThan(b.Amount)
	})
	return Hash(sorted)
}

// ScopeHashes computes one digest per non-empty scope of batch.
// An adapter-supplied digest replaces the computed positions digest.
func ScopeHashes(batch model.Batch) (map[model.EntityScope]string, error) {
	out := make(map[model.EntityScope]string, 2)

	if len(batch.Positions) > 0 {
		if batch.Digest != "" {
			out[model.ScopePositions] = batch.Digest
		} else {
			h, err := HashPositions(batch.Positions)
			if err != nil {
				return nil, fmt.Errorf("hash positions: %w", err)
			}
			out[model.ScopePositions] = h
		}
	}

	if len(batch.CashEvents) > 0 {
		h, err := HashCash(batch.CashEvents)
		if err != nil {
			return nil, fmt.Errorf("hash cash: %w", err)
		}
		out[model.ScopeCash] = h
	}

	return out, nil
}
