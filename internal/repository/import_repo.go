package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLImportRepository implements ImportRepository using database/sql.
type SQLImportRepository struct {
	db *sql.DB
}

// NewImportRepository creates a new SQLImportRepository.
func NewImportRepository(db *sql.DB) *SQLImportRepository {
	return &SQLImportRepository{db: db}
}

func scanImport(row scanner) (*models.Import, error) {
	var imp models.Import
	err := row.Scan(&imp.ID, &imp.CreatedBy, &imp.Source, &imp.Total, &imp.Accepted,
		&imp.Success, &imp.Failed, &imp.DetailJSON, &imp.AddedAt)
	if err != nil {
		return nil, err
	}
	return &imp, nil
}

func (r *SQLImportRepository) Insert(ctx context.Context, imp *models.Import) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO imports (created_by, source, total, accepted, success, failed, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		imp.CreatedBy, imp.Source, imp.Total, imp.Accepted, imp.Success, imp.Failed, imp.DetailJSON)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLImportRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(updates))
	args := make([]any, 0, len(updates)+1)
	for col, val := range updates {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE imports SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *SQLImportRepository) FindByID(ctx context.Context, id int64) (*models.Import, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, created_by, source, total, accepted, success, failed, detail_json, added_at
		 FROM imports WHERE id = ?`, id)
	return scanImport(row)
}

func (r *SQLImportRepository) List(ctx context.Context, offset, limit int) ([]*models.Import, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM imports`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, created_by, source, total, accepted, success, failed, detail_json, added_at
		FROM imports ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, imp)
	}
	return out, total, rows.Err()
}
