package model

import (
	"sort"
	"strings"
)

// SourceConfig is the tagged union of per-type source settings.
// Each variant knows its type and validates its own completeness.
type SourceConfig interface {
	Type() SourceType
	Validate() error
}

// IbkrFlexConfig holds the Flex Web Service credentials.
type IbkrFlexConfig struct {
	FlexToken   string `json:"flex_token"`
	FlexQueryID string `json:"flex_query_id"`
}

func (IbkrFlexConfig) Type() SourceType { return SourceIbkrFlex }

func (c IbkrFlexConfig) Validate() error {
	return requireKeys(map[string]string{
		"flex_token":    c.FlexToken,
		"flex_query_id": c.FlexQueryID,
	})
}

// KucoinConfig holds KuCoin API credentials.
type KucoinConfig struct {
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	APIPassphrase string `json:"api_passphrase"`
}

func (KucoinConfig) Type() SourceType { return SourceKucoin }

func (c KucoinConfig) Validate() error {
	return requireKeys(map[string]string{
		"api_key":        c.APIKey,
		"api_secret":     c.APISecret,
		"api_passphrase": c.APIPassphrase,
	})
}

// CSVConfig has no required settings.
type CSVConfig struct{}

func (CSVConfig) Type() SourceType { return SourceCSV }
func (CSVConfig) Validate() error  { return nil }

// ManualConfig has no required settings.
type ManualConfig struct{}

func (ManualConfig) Type() SourceType { return SourceManual }
func (ManualConfig) Validate() error  { return nil }

// DecodeSourceConfig builds the typed config for t from the opaque key/value
// form used by the database column and the outer surfaces. Unknown keys are
// ignored.
func DecodeSourceConfig(t SourceType, raw map[string]string) (SourceConfig, error) {
	get := func(k string) string { return strings.TrimSpace(raw[k]) }

	var cfg SourceConfig
	switch t {
	case SourceIbkrFlex:
		cfg = IbkrFlexConfig{FlexToken: get("flex_token"), FlexQueryID: get("flex_query_id")}
	case SourceKucoin:
		cfg = KucoinConfig{APIKey: get("api_key"), APISecret: get("api_secret"), APIPassphrase: get("api_passphrase")}
	case SourceCSV:
		cfg = CSVConfig{}
	case SourceManual:
		cfg = ManualConfig{}
	default:
		_, err := ParseSourceType(string(t))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncodeSourceConfig renders cfg back into its key/value form.
func EncodeSourceConfig(cfg SourceConfig) map[string]string {
	switch c := cfg.(type) {
	case IbkrFlexConfig:
		return map[string]string{"flex_token": c.FlexToken, "flex_query_id": c.FlexQueryID}
	case KucoinConfig:
		return map[string]string{"api_key": c.APIKey, "api_secret": c.APISecret, "api_passphrase": c.APIPassphrase}
	default:
		return map[string]string{}
	}
}

// requireKeys reports every blank value as missing, sorted by key.
func requireKeys(values map[string]string) error {
	var missing []string
	for k, v := range values {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ValidationError{Field: "config", Missing: missing}
}
