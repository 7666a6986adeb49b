package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLPixivTokenRepository implements PixivTokenRepository using database/sql.
type SQLPixivTokenRepository struct {
	db *sql.DB
}

// NewPixivTokenRepository creates a new SQLPixivTokenRepository.
func NewPixivTokenRepository(db *sql.DB) *SQLPixivTokenRepository {
	return &SQLPixivTokenRepository{db: db}
}

const tokenColumns = `id, label, enabled, refresh_token_enc, refresh_token_masked, weight,
	error_count, backoff_until, last_ok_at, last_fail_at, last_error_code, last_error_msg`

func scanToken(row scanner) (*models.PixivToken, error) {
	var t models.PixivToken
	err := row.Scan(&t.ID, &t.Label, &t.Enabled, &t.RefreshTokenEnc, &t.RefreshTokenMasked, &t.Weight,
		&t.ErrorCount, &t.BackoffUntil, &t.LastOkAt, &t.LastFailAt, &t.LastErrorCode, &t.LastErrorMsg)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLPixivTokenRepository) FindByID(ctx context.Context, id int64) (*models.PixivToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM pixiv_tokens WHERE id = ?`, id)
	return scanToken(row)
}

func (r *SQLPixivTokenRepository) FindAllEnabled(ctx context.Context) ([]*models.PixivToken, error) {
	return r.findAll(ctx, true)
}

func (r *SQLPixivTokenRepository) FindAll(ctx context.Context) ([]*models.PixivToken, error) {
	return r.findAll(ctx, false)
}

func (r *SQLPixivTokenRepository) findAll(ctx context.Context, enabledOnly bool) ([]*models.PixivToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM pixiv_tokens`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PixivToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLPixivTokenRepository) Insert(ctx context.Context, t *models.PixivToken) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO pixiv_tokens (label, enabled, refresh_token_enc, refresh_token_masked, weight, error_count)
		VALUES (?, ?, ?, ?, ?, 0)`,
		t.Label, t.Enabled, t.RefreshTokenEnc, t.RefreshTokenMasked, t.Weight)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLPixivTokenRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
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
	query := fmt.Sprintf("UPDATE pixiv_tokens SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *SQLPixivTokenRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pixiv_tokens WHERE id = ?`, id)
	return err
}

func (r *SQLPixivTokenRepository) MarkOK(ctx context.Context, id int64, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pixiv_tokens SET last_ok_at = ?, error_count = 0, backoff_until = NULL,
			last_error_code = NULL, last_error_msg = NULL WHERE id = ?`, now, id)
	return err
}

func (r *SQLPixivTokenRepository) MarkFailure(ctx context.Context, id int64, now, errorCode, errorMsg string, backoffUntil *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pixiv_tokens SET last_fail_at = ?, error_count = error_count + 1,
			last_error_code = ?, last_error_msg = ?, backoff_until = ? WHERE id = ?`,
		now, errorCode, errorMsg, backoffUntil, id)
	return err
}
