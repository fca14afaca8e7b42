package persistence

import (
	"PortfolioFederation/internal/model"
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

const sourceColumns = `id, user_id, source_type, display_name, priority, enabled, config, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanSource(row rowScanner) (model.DataSource, error) {
	var (
		src    model.DataSource
		typ    string
		rawCfg []byte
	)
	if err := row.Scan(&src.ID, &src.UserID, &typ, &src.DisplayName, &src.Priority, &src.Enabled, &rawCfg, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return src, err
	}
	src.Type = model.SourceType(typ)

	values := map[string]string{}
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &values); err != nil {
			return src, err
		}
	}
	cfg, err := model.DecodeSourceConfig(src.Type, values)
	if err != nil {
		// Rows are validated on write; a bad row surfaces later as not configured.
		s.logger.Warn().Int64("source_id", src.ID).Err(err).Msg("stored source config is invalid")
	}
	src.Config = cfg
	return src, nil
}

func encodeConfig(cfg model.SourceConfig) ([]byte, error) {
	if cfg == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(model.EncodeSourceConfig(cfg))
}

// ListSources returns a user's sources in precedence order.
func (s *PostgresStore) ListSources(ctx context.Context, userID int64, enabledOnly bool) ([]model.DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE user_id = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, model.Persist("list sources", err)
	}
	defer rows.Close()

	var out []model.DataSource
	for rows.Next() {
		src, err := s.scanSource(rows)
		if err != nil {
			return nil, model.Persist("scan source", err)
		}
		out = append(out, src)
	}
	return out, model.Persist("list sources", rows.Err())
}

// CreateSource inserts src and returns the stored row.
func (s *PostgresStore) CreateSource(ctx context.Context, src model.DataSource) (model.DataSource, error) {
	cfg, err := encodeConfig(src.Config)
	if err != nil {
		return model.DataSource{}, model.Persist("encode source config", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO data_sources (user_id, source_type, display_name, priority, enabled, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+sourceColumns,
		src.UserID, string(src.Type), src.DisplayName, src.Priority, src.Enabled, cfg,
	)
	created, err := s.scanSource(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" { // check_violation
			return model.DataSource{}, &model.ValidationError{Field: "source_type", Reason: pqErr.Message}
		}
		return model.DataSource{}, model.Persist("create source", err)
	}
	return created, nil
}

// GetSource returns nil when no source id belongs to userID.
func (s *PostgresStore) GetSource(ctx context.Context, id, userID int64) (*model.DataSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM data_sources WHERE id = $1 AND user_id = $2`, id, userID)
	src, err := s.scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Persist("get source", err)
	}
	return &src, nil
}

// SetSourceEnabled reports false when the source does not exist for userID.
func (s *PostgresStore) SetSourceEnabled(ctx context.Context, id, userID int64, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE data_sources SET enabled = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`, id, userID, enabled)
	if err != nil {
		return false, model.Persist("set source enabled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.Persist("set source enabled", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) UpdateSourceConfig(ctx context.Context, id, userID int64, cfg model.SourceConfig) (*model.DataSource, error) {
	raw, err := encodeConfig(cfg)
	if err != nil {
		return nil, model.Persist("encode source config", err)
	}
	return s.updateSource(ctx, "update source config", `config = $3`, id, userID, raw)
}

func (s *PostgresStore) UpdateSourcePriority(ctx context.Context, id, userID int64, priority int) (*model.DataSource, error) {
	return s.updateSource(ctx, "update source priority", `priority = $3`, id, userID, priority)
}

func (s *PostgresStore) updateSource(ctx context.Context, op, set string, id, userID int64, value any) (*model.DataSource, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE data_sources SET `+set+`, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+sourceColumns, id, userID, value)
	src, err := s.scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Persist(op, err)
	}
	return &src, nil
}

// DeleteSource removes the source together with its digests and staged rows.
func (s *PostgresStore) DeleteSource(ctx context.Context, id, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM data_sources WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, model.Persist("delete source", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.Persist("delete source", err)
	}
	return n > 0, nil
}

// ListUsersWithEnabledSources returns users owning at least one enabled source
// of the given types, ascending.
func (s *PostgresStore) ListUsersWithEnabledSources(ctx context.Context, types []model.SourceType) ([]int64, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM data_sources
		WHERE enabled AND source_type = ANY($1)
		ORDER BY user_id`, pq.Array(names))
	if err != nil {
		return nil, model.Persist("list users with sources", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, model.Persist("scan user id", err)
		}
		users = append(users, id)
	}
	return users, model.Persist("list users with sources", rows.Err())
}
