// Package registry manages the per-user catalogue of data sources.
package registry

import (
	"PortfolioFederation/internal/model"
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Store persists data sources. Lookups by id are scoped to the owning user
// and return nil when the source does not exist for that user.
type Store interface {
	ListSources(ctx context.Context, userID int64, enabledOnly bool) ([]model.DataSource, error)
	CreateSource(ctx context.Context, src model.DataSource) (model.DataSource, error)
	GetSource(ctx context.Context, id, userID int64) (*model.DataSource, error)
	SetSourceEnabled(ctx context.Context, id, userID int64, enabled bool) (bool, error)
	UpdateSourceConfig(ctx context.Context, id, userID int64, cfg model.SourceConfig) (*model.DataSource, error)
	UpdateSourcePriority(ctx context.Context, id, userID int64, priority int) (*model.DataSource, error)
	DeleteSource(ctx context.Context, id, userID int64) (bool, error)
}

// RegisterRequest describes a new source. Config holds the opaque key/value
// settings; a nil Priority takes the registry default.
type RegisterRequest struct {
	UserID      int64             `json:"user_id"`
	Type        string            `json:"source_type"`
	DisplayName string            `json:"display_name"`
	Config      map[string]string `json:"config"`
	Priority    *int              `json:"priority,omitempty"`
}

type Registry struct {
	store           Store
	defaultPriority int
	logger          zerolog.Logger
}

func New(store Store, defaultPriority int, logger zerolog.Logger) *Registry {
	return &Registry{store: store, defaultPriority: defaultPriority, logger: logger}
}

// ListSources returns all of a user's sources, highest precedence first.
func (r *Registry) ListSources(ctx context.Context, userID int64) ([]model.DataSource, error) {
	return r.store.ListSources(ctx, userID, false)
}

// ListEnabledSources returns the enabled sources in the same order.
func (r *Registry) ListEnabledSources(ctx context.Context, userID int64) ([]model.DataSource, error) {
	return r.store.ListSources(ctx, userID, true)
}

// RegisterSource validates the type and config, then persists an enabled source.
func (r *Registry) RegisterSource(ctx context.Context, req RegisterRequest) (model.DataSource, error) {
	t, err := model.ParseSourceType(strings.TrimSpace(req.Type))
	if err != nil {
		return model.DataSource{}, err
	}
	cfg, err := model.DecodeSourceConfig(t, req.Config)
	if err != nil {
		return model.DataSource{}, err
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = t.DefaultDisplayName()
	}
	priority := r.defaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	src, err := r.store.CreateSource(ctx, model.DataSource{
		UserID:      req.UserID,
		Type:        t,
		DisplayName: name,
		Priority:    priority,
		Enabled:     true,
		Config:      cfg,
	})
	if err != nil {
		return model.DataSource{}, fmt.Errorf("register source: %w", err)
	}

	r.logger.Info().
		Int64("user_id", src.UserID).
		Int64("source_id", src.ID).
		Str("source_type", string(src.Type)).
		Int("priority", src.Priority).
		Msg("source registered")
	return src, nil
}

// EnableSource is idempotent. It reports false when the source is unknown or
// owned by someone else.
func (r *Registry) EnableSource(ctx context.Context, id, userID int64) (bool, error) {
	return r.setEnabled(ctx, id, userID, true)
}

// DisableSource is the counterpart of EnableSource.
func (r *Registry) DisableSource(ctx context.Context, id, userID int64) (bool, error) {
	return r.setEnabled(ctx, id, userID, false)
}

func (r *Registry) setEnabled(ctx context.Context, id, userID int64, enabled bool) (bool, error) {
	ok, err := r.store.SetSourceEnabled(ctx, id, userID, enabled)
	if err != nil {
		return false, fmt.Errorf("set source %d enabled=%t: %w", id, enabled, err)
	}
	if ok {
		r.logger.Info().Int64("user_id", userID).Int64("source_id", id).Bool("enabled", enabled).Msg("source toggled")
	}
	return ok, nil
}

// UpdateSourceConfig re-validates config against the stored type. It returns
// nil without error when the source does not exist for userID.
func (r *Registry) UpdateSourceConfig(ctx context.Context, id, userID int64, config map[string]string) (*model.DataSource, error) {
	existing, err := r.store.GetSource(ctx, id, userID)
	if err != nil {
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	if existing == nil {
		return nil, nil
	}

	cfg, err := model.DecodeSourceConfig(existing.Type, config)
	if err != nil {
		return nil, err
	}

	updated, err := r.store.UpdateSourceConfig(ctx, id, userID, cfg)
	if err != nil {
		return nil, fmt.Errorf("update source %d config: %w", id, err)
	}
	if updated != nil {
		r.logger.Info().Int64("user_id", userID).Int64("source_id", id).Msg("source config updated")
	}
	return updated, nil
}

// GetSource returns nil when the source does not exist for userID.
func (r *Registry) GetSource(ctx context.Context, id, userID int64) (*model.DataSource, error) {
	return r.store.GetSource(ctx, id, userID)
}

func (r *Registry) UpdateSourcePriority(ctx context.Context, id, userID int64, priority int) (*model.DataSource, error) {
	updated, err := r.store.UpdateSourcePriority(ctx, id, userID, priority)
	if err != nil {
		return nil, fmt.Errorf("update source %d priority: %w", id, err)
	}
	if updated != nil {
		r.logger.Info().Int64("user_id", userID).Int64("source_id", id).Int("priority", priority).Msg("source priority updated")
	}
	return updated, nil
}

// DeleteSource removes the source with its digests and staged rows.
// Canonical rows it produced are kept.
func (r *Registry) DeleteSource(ctx context.Context, id, userID int64) (bool, error) {
	ok, err := r.store.DeleteSource(ctx, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete source %d: %w", id, err)
	}
	if ok {
		r.logger.Info().Int64("user_id", userID).Int64("source_id", id).Msg("source deleted")
	}
	return ok, nil
}
