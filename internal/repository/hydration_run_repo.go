package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLHydrationRunRepository implements HydrationRunRepository using database/sql.
type SQLHydrationRunRepository struct {
	db *sql.DB
}

// NewHydrationRunRepository creates a new SQLHydrationRunRepository.
func NewHydrationRunRepository(db *sql.DB) *SQLHydrationRunRepository {
	return &SQLHydrationRunRepository{db: db}
}

const hydrationRunColumns = `id, type, status, criteria_json, cursor_json, total, processed,
	success, failed, started_at, finished_at, last_error`

func scanHydrationRun(row scanner) (*models.HydrationRun, error) {
	var run models.HydrationRun
	err := row.Scan(&run.ID, &run.Type, &run.Status, &run.CriteriaJSON, &run.CursorJSON, &run.Total,
		&run.Processed, &run.Success, &run.Failed, &run.StartedAt, &run.FinishedAt, &run.LastError)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *SQLHydrationRunRepository) Insert(ctx context.Context, run *models.HydrationRun) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO hydration_runs (type, status, criteria_json, cursor_json, total, processed, success, failed)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0)`,
		run.Type, run.Status, run.CriteriaJSON, run.CursorJSON, run.Total)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLHydrationRunRepository) FindByID(ctx context.Context, id int64) (*models.HydrationRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+hydrationRunColumns+` FROM hydration_runs WHERE id = ?`, id)
	return scanHydrationRun(row)
}

func (r *SQLHydrationRunRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
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
	query := fmt.Sprintf("UPDATE hydration_runs SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *SQLHydrationRunRepository) List(ctx context.Context, offset, limit int) ([]*models.HydrationRun, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hydration_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+hydrationRunColumns+` FROM hydration_runs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.HydrationRun
	for rows.Next() {
		run, err := scanHydrationRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}
