package adapter

import (
	"PortfolioFederation/internal/model"
	"context"
	"sync"
)

// Static serves a fixed batch. Useful for local runs and tests.
type Static struct {
	mu    sync.Mutex
	batch model.Batch
	err   error
	calls int
}

func NewStatic(batch model.Batch) *Static {
	return &Static{batch: batch}
}

// Set replaces the batch and error returned by later fetches.
func (s *Static) Set(batch model.Batch, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch, s.err = batch, err
}

func (s *Static) Fetch(ctx context.Context, _ model.DataSource) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	if s.err != nil {
		return model.Batch{}, s.err
	}
	return s.batch, nil
}

// Calls returns how many fetches were served.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
