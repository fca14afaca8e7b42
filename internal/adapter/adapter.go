package adapter

import (
	"PortfolioFederation/internal/model"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Adapter fetches one source's data and returns it in normalized form.
// Adapters must return ErrNotConfigured when they cannot be used at all and an
// *Error for API or transport failures, so the orchestrator can classify them.
type Adapter interface {
	Fetch(ctx context.Context, src model.DataSource) (model.Batch, error)
}

// Func adapts a plain function to Adapter.
type Func func(ctx context.Context, src model.DataSource) (model.Batch, error)

func (f Func) Fetch(ctx context.Context, src model.DataSource) (model.Batch, error) {
	return f(ctx, src)
}

var (
	// ErrNotConfigured means no usable adapter exists for the source.
	ErrNotConfigured = errors.New("adapter not configured")
	// ErrInvalidPayload means the adapter answered with data that violates the contract.
	ErrInvalidPayload = errors.New("invalid adapter payload")
)

// Error is an API or transport failure from a broker adapter.
type Error struct {
	SourceType model.SourceType
	StatusCode int // 0 for transport errors and timeouts
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s adapter: http %d: %v", e.SourceType, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s adapter: %v", e.SourceType, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == model.ErrAdapter }

// Classify maps an adapter failure to the kind recorded in run stats.
func Classify(err error) model.ErrorKind {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return model.ErrorKindNotConfigured
	case errors.Is(err, ErrInvalidPayload):
		return model.ErrorKindInvalidPayload
	default:
		return model.ErrorKindAdapter
	}
}

// Registry resolves the adapter for a source type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.SourceType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.SourceType]Adapter)}
}

// Register installs a for t, replacing any previous adapter.
func (r *Registry) Register(t model.SourceType, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[t] = a
}

// For returns the adapter for t or ErrNotConfigured.
func (r *Registry) For(t model.SourceType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrNotConfigured)
	}
	return a, nil
}
