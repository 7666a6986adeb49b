package repository

import (
	"context"
	"database/sql"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLRuntimeSettingRepository implements RuntimeSettingRepository using database/sql.
type SQLRuntimeSettingRepository struct {
	db *sql.DB
}

// NewRuntimeSettingRepository creates a new SQLRuntimeSettingRepository.
func NewRuntimeSettingRepository(db *sql.DB) *SQLRuntimeSettingRepository {
	return &SQLRuntimeSettingRepository{db: db}
}

func (r *SQLRuntimeSettingRepository) Get(ctx context.Context, key string) (*models.RuntimeSetting, error) {
	var s models.RuntimeSetting
	err := r.db.QueryRowContext(ctx,
		`SELECT key, value_json, description, updated_by, updated_at FROM runtime_settings WHERE key = ?`, key,
	).Scan(&s.Key, &s.ValueJSON, &s.Description, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SQLRuntimeSettingRepository) Set(ctx context.Context, key string, valueJSON []byte, updatedBy *string, now string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runtime_settings (key, value_json, updated_by, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		key, valueJSON, updatedBy, now)
	return err
}

func (r *SQLRuntimeSettingRepository) List(ctx context.Context) ([]*models.RuntimeSetting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value_json, description, updated_by, updated_at FROM runtime_settings ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RuntimeSetting
	for rows.Next() {
		var s models.RuntimeSetting
		if err := rows.Scan(&s.Key, &s.ValueJSON, &s.Description, &s.UpdatedBy, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
