package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the kind of origin a DataSource pulls from.
type SourceType string

const (
	SourceIbkrFlex SourceType = "ibkr_flex"
	SourceKucoin   SourceType = "kucoin"
	SourceCSV      SourceType = "csv"
	SourceManual   SourceType = "manual"
)

// AllSourceTypes lists every accepted source type in confidence order.
var AllSourceTypes = []SourceType{SourceIbkrFlex, SourceKucoin, SourceCSV, SourceManual}

// ParseSourceType validates a raw source type string.
func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(strings.TrimSpace(s))
	switch st {
	case SourceIbkrFlex, SourceKucoin, SourceCSV, SourceManual:
		return st, nil
	default:
		return "", &ValidationError{
			Field:  "source_type",
			Reason: fmt.Sprintf("unknown source type %q", s),
		}
	}
}

// Confidence is the fixed trust ranking used as the last conflict tie-break.
// Higher wins.
func (t SourceType) Confidence() int {
	switch t {
	case SourceIbkrFlex:
		return 4
	case SourceKucoin:
		return 3
	case SourceCSV:
		return 2
	case SourceManual:
		return 1
	default:
		return 0
	}
}

// Automatic reports whether the type is pulled by the full sync pass.
// csv and manual sources are push-only through the import path.
func (t SourceType) Automatic() bool {
	return t == SourceIbkrFlex || t == SourceKucoin
}

func (t SourceType) String() string { return string(t) }

// DefaultDisplayName is used when a source is registered without a name.
func (t SourceType) DefaultDisplayName() string {
	switch t {
	case SourceIbkrFlex:
		return "Interactive Brokers (Flex)"
	case SourceKucoin:
		return "KuCoin"
	case SourceCSV:
		return "CSV upload"
	case SourceManual:
		return "Manual entry"
	default:
		return string(t)
	}
}

// DataSource is a per-user configured origin of portfolio data.
// Lower Priority means higher precedence during reconciliation.
type DataSource struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	Type        SourceType   `json:"source_type"`
	DisplayName string       `json:"display_name"`
	Priority    int          `json:"priority"`
	Enabled     bool         `json:"enabled"`
	Config      SourceConfig `json:"-"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
