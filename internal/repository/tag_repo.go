package repository

import (
	"context"
	"database/sql"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLTagRepository implements TagRepository using database/sql.
type SQLTagRepository struct {
	db *sql.DB
}

// NewTagRepository creates a new SQLTagRepository.
func NewTagRepository(db *sql.DB) *SQLTagRepository {
	return &SQLTagRepository{db: db}
}

func (r *SQLTagRepository) UpsertByName(ctx context.Context, name string, translatedName *string) (int64, error) {
	existing, err := r.FindByName(ctx, name)
	if err == nil && existing != nil {
		if translatedName != nil {
			_, err := r.db.ExecContext(ctx,
				`UPDATE tags SET translated_name = ? WHERE id = ?`, *translatedName, existing.ID)
			if err != nil {
				return 0, err
			}
		}
		return existing.ID, nil
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO tags (name, translated_name) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET translated_name = excluded.translated_name`,
		name, translatedName)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		again, err := r.FindByName(ctx, name)
		if err != nil {
			return 0, err
		}
		return again.ID, nil
	}
	return id, nil
}

func (r *SQLTagRepository) FindByName(ctx context.Context, name string) (*models.Tag, error) {
	var t models.Tag
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, translated_name, added_at, updated_at FROM tags WHERE name = ?`, name,
	).Scan(&t.ID, &t.Name, &t.TranslatedName, &t.AddedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLTagRepository) List(ctx context.Context, offset, limit int) ([]*models.Tag, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, translated_name, added_at, updated_at FROM tags ORDER BY name ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.TranslatedName, &t.AddedAt, &t.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &t)
	}
	return out, total, rows.Err()
}

func (r *SQLTagRepository) FindIDsByNames(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}
	placeholders := make([]any, len(names))
	query := `SELECT id, name FROM tags WHERE name IN (`
	for i, n := range names {
		if i > 0 {
			query += ", "
		}
		query += "?"
		placeholders[i] = n
	}
	query += ")"

	rows, err := r.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}
