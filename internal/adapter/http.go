package adapter

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	maxAttempts  = 3
	maxBodyBytes = 16 << 20
)

// HTTPOptions tunes the bridge to an external adapter service.
type HTTPOptions struct {
	Timeout    time.Duration // per attempt
	RetryBase  time.Duration // first backoff, doubled per retry
	RatePerSec float64       // shared across all users of one adapter
	Client     *http.Client
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// HTTPAdapter fetches a normalized payload from an adapter service over HTTP.
// Source config values are forwarded as X-Source-<key> headers; the service
// owns the broker protocol and answers with the JSON contract of its type.
type HTTPAdapter struct {
	sourceType model.SourceType
	url        string
	decode     func([]byte) (model.Batch, error)

	client    *http.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	retryBase time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewIbkrFlex returns the bridge for ibkr_flex sources.
func NewIbkrFlex(url string, opts HTTPOptions) *HTTPAdapter {
	return newHTTPAdapter(model.SourceIbkrFlex, url, decodeIbkr, opts)
}

// NewKucoin returns the bridge for kucoin sources.
func NewKucoin(url string, opts HTTPOptions) *HTTPAdapter {
	return newHTTPAdapter(model.SourceKucoin, url, decodeKucoin, opts)
}

func newHTTPAdapter(t model.SourceType, url string, decode func([]byte) (model.Batch, error), opts HTTPOptions) *HTTPAdapter {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &HTTPAdapter{
		sourceType: t,
		url:        strings.TrimSpace(url),
		decode:     decode,
		client:     opts.Client,
		limiter:    rate.NewLimiter(limit, 1),
		timeout:    opts.Timeout,
		retryBase:  opts.RetryBase,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("adapter", string(t)).Logger(),
	}
}

// Fetch retries 5xx responses and transport errors with exponential backoff.
// 4xx responses and contract violations fail immediately.
func (a *HTTPAdapter) Fetch(ctx context.Context, src model.DataSource) (model.Batch, error) {
	if a.url == "" {
		return model.Batch{}, fmt.Errorf("%s: no adapter url: %w", a.sourceType, ErrNotConfigured)
	}
	if src.Config == nil || src.Config.Type() != a.sourceType {
		return model.Batch{}, fmt.Errorf("%s: source %d has no %s config: %w", a.sourceType, src.ID, a.sourceType, ErrNotConfigured)
	}

	backoff := a.retryBase
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			a.metrics.AdapterRetry(string(a.sourceType))
			a.logger.Warn().
				Int64("source_id", src.ID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("retrying adapter request")
			select {
			case <-ctx.Done():
				return model.Batch{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, err := a.do(ctx, src)
		if err == nil {
			batch, derr := a.decode(body)
			if derr != nil {
				a.metrics.AdapterRequest(string(a.sourceType), "invalid_payload")
				return model.Batch{}, derr
			}
			a.metrics.AdapterRequest(string(a.sourceType), "ok")
			return batch, nil
		}

		lastErr = err
		var aerr *Error
		if !errors.As(err, &aerr) || !aerr.Retryable {
			a.metrics.AdapterRequest(string(a.sourceType), "error")
			return model.Batch{}, err
		}
		a.metrics.AdapterRequest(string(a.sourceType), "retryable")
		if ctx.Err() != nil {
			return model.Batch{}, err
		}
	}
	return model.Batch{}, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (a *HTTPAdapter) do(ctx context.Context, src model.DataSource) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, &Error{SourceType: a.sourceType, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	values := model.EncodeSourceConfig(src.Config)
	for _, k := range sortedKeys(values) {
		req.Header.Set("X-Source-"+k, values[k])
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Parent cancellation is not an adapter fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{SourceType: a.sourceType, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{SourceType: a.sourceType, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{SourceType: a.sourceType, StatusCode: resp.StatusCode, Retryable: true, Err: errors.New(snippet(body))}
	case resp.StatusCode >= 400:
		return nil, &Error{SourceType: a.sourceType, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}
	return body, nil
}

func decodeIbkr(body []byte) (model.Batch, error) {
	var p IbkrFlexPayload
	if err := strictDecode(body, &p); err != nil {
		return model.Batch{}, err
	}
	return NormalizeIbkr(p)
}

func decodeKucoin(body []byte) (model.Batch, error) {
	var p KucoinPayload
	if err := strictDecode(body, &p); err != nil {
		return model.Batch{}, err
	}
	return NormalizeKucoin(p)
}

func strictDecode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "empty response body"
	}
	return s
}
