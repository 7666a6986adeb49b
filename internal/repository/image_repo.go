package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLImageRepository implements ImageRepository using database/sql.
type SQLImageRepository struct {
	db *sql.DB
}

// NewImageRepository creates a new SQLImageRepository.
func NewImageRepository(db *sql.DB) *SQLImageRepository {
	return &SQLImageRepository{db: db}
}

const imageColumns = `id, illust_id, page_index, ext, original_url, proxy_path, random_key, status,
	width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
	user_id, user_name, title, created_at_pixiv, bookmark_count, view_count, comment_count,
	last_ok_at, last_fail_at, last_error_code, fail_count, created_import_id, added_at, updated_at`

func scanImage(row scanner) (*models.Image, error) {
	var img models.Image
	err := row.Scan(
		&img.ID, &img.IllustID, &img.PageIndex, &img.Ext, &img.OriginalURL, &img.ProxyPath,
		&img.RandomKey, &img.Status,
		&img.Width, &img.Height, &img.AspectRatio, &img.Orientation, &img.XRestrict,
		&img.AIType, &img.IllustType, &img.UserID, &img.UserName, &img.Title, &img.CreatedAtPixiv,
		&img.BookmarkCount, &img.ViewCount, &img.CommentCount,
		&img.LastOkAt, &img.LastFailAt, &img.LastErrorCode, &img.FailCount, &img.CreatedImportID,
		&img.AddedAt, &img.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// scanner abstracts *sql.Row / *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLImageRepository) FindByID(ctx context.Context, id int64) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	return scanImage(row)
}

func (r *SQLImageRepository) FindByIllustPage(ctx context.Context, illustID int64, pageIndex int) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE illust_id = ? AND page_index = ?`, illustID, pageIndex)
	return scanImage(row)
}

func (r *SQLImageRepository) Insert(ctx context.Context, img *models.Image) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO images (illust_id, page_index, ext, original_url, proxy_path, random_key, status,
			width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
			user_id, user_name, title, created_at_pixiv, bookmark_count, view_count, comment_count,
			fail_count, created_import_id, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.IllustID, img.PageIndex, img.Ext, img.OriginalURL, img.ProxyPath, img.RandomKey, img.Status,
		img.Width, img.Height, img.AspectRatio, img.Orientation, img.XRestrict, img.AIType, img.IllustType,
		img.UserID, img.UserName, img.Title, img.CreatedAtPixiv, img.BookmarkCount, img.ViewCount, img.CommentCount,
		img.FailCount, img.CreatedImportID, img.AddedAt, img.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Update applies a partial set of column updates (map[string]any), matching
// the teacher's dynamic SET-clause convention.
func (r *SQLImageRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
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
	query := fmt.Sprintf("UPDATE images SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *SQLImageRepository) SetProxyPath(ctx context.Context, id int64, proxyPath string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE images SET proxy_path = ? WHERE id = ?`, proxyPath, id)
	return err
}

func (r *SQLImageRepository) ReplaceTags(ctx context.Context, imageID int64, tagIDs []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id = ?`, imageID); err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO image_tags (image_id, tag_id) VALUES (?, ?)`, imageID, tagID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLImageRepository) MarkOK(ctx context.Context, id int64, now string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE images SET last_ok_at = ?, last_error_code = NULL, fail_count = 0, updated_at = ? WHERE id = ?`,
		now, now, id)
	return err
}

func (r *SQLImageRepository) MarkFailure(ctx context.Context, id int64, errorCode string, now string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE images SET last_fail_at = ?, last_error_code = ?, fail_count = fail_count + 1, updated_at = ? WHERE id = ?`,
		now, errorCode, now, id)
	return err
}

func (r *SQLImageRepository) List(ctx context.Context, offset, limit int) ([]*models.Image, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, img)
	}
	return out, total, rows.Err()
}

// ListAuthors returns distinct (user_id, user_name) pairs with at least
// one image, paginated newest-first.
func (r *SQLImageRepository) ListAuthors(ctx context.Context, offset, limit int) ([]*models.Author, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM images WHERE user_id IS NOT NULL`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, COALESCE(user_name, ''), COUNT(*)
		FROM images
		WHERE user_id IS NOT NULL
		GROUP BY user_id, user_name
		ORDER BY user_id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Author
	for rows.Next() {
		a := &models.Author{}
		if err := rows.Scan(&a.UserID, &a.UserName, &a.ImageCount); err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// missingPredicate maps a criteria.missing key to the OR-branch SQL
// fragment it contributes, per spec §4.6.4.
var missingPredicateSQL = map[string]string{
	"tags":        "NOT EXISTS (SELECT 1 FROM image_tags it WHERE it.image_id = images.id)",
	"geometry":    "(images.width IS NULL OR images.height IS NULL)",
	"r18":         "images.x_restrict IS NULL",
	"ai":          "images.ai_type IS NULL",
	"illust_type": "images.illust_type IS NULL",
	"user":        "images.user_id IS NULL",
	"title":       "images.title IS NULL",
	"created_at":  "images.created_at_pixiv IS NULL",
	"popularity":  "(images.bookmark_count IS NULL OR images.view_count IS NULL)",
}

func (r *SQLImageRepository) FindMissing(ctx context.Context, missing []string, cursorImageID int64, batchSize int) ([]*models.Image, error) {
	var branches []string
	for _, m := range missing {
		if frag, ok := missingPredicateSQL[m]; ok {
			branches = append(branches, frag)
		}
	}
	if len(branches) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT %s FROM images WHERE id > ? AND status = 1 AND (%s) ORDER BY id ASC LIMIT ?`,
		imageColumns, strings.Join(branches, " OR "))
	rows, err := r.db.QueryContext(ctx, query, cursorImageID, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// WrapAroundScan implements the §4.7 two-query uniform cursor scan: images
// with random_key >= r first, then random_key < r to wrap around, both
// ordered ascending by random_key.
func (r *SQLImageRepository) WrapAroundScan(ctx context.Context, f Filter, rnd float64, limit int) ([]*models.Image, error) {
	where, args := buildFilterWhere(f)

	q1 := fmt.Sprintf(`SELECT %s FROM images WHERE random_key >= ? AND %s ORDER BY random_key ASC LIMIT ?`,
		imageColumns, where)
	args1 := append([]any{rnd}, args...)
	args1 = append(args1, limit)

	rows, err := r.db.QueryContext(ctx, q1, args1...)
	if err != nil {
		return nil, err
	}
	var out []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, img)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) >= limit {
		return out, nil
	}

	remaining := limit - len(out)
	q2 := fmt.Sprintf(`SELECT %s FROM images WHERE random_key < ? AND %s ORDER BY random_key ASC LIMIT ?`,
		imageColumns, where)
	args2 := append([]any{rnd}, args...)
	args2 = append(args2, remaining)

	rows2, err := r.db.QueryContext(ctx, q2, args2...)
	if err != nil {
		return nil, err
	}
	defer rows2.Close()
	for rows2.Next() {
		img, err := scanImage(rows2)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows2.Err()
}

// buildFilterWhere renders a Filter into a SQL predicate (ANDed, with a
// leading "1=1" so callers can always append " AND ") and its bind args.
func buildFilterWhere(f Filter) (string, []any) {
	clauses := []string{"status = 1"}
	var args []any

	switch f.R18 {
	case 0: // safe only
		if f.R18Strict {
			clauses = append(clauses, "x_restrict = 0")
		} else {
			clauses = append(clauses, "(x_restrict = 0 OR x_restrict IS NULL)")
		}
	case 1: // r18 only
		clauses = append(clauses, "x_restrict >= 1")
	// case 2: any — no constraint
	}

	if len(f.Orientations) > 0 {
		clauses = append(clauses, inClause("orientation", len(f.Orientations)))
		for _, v := range f.Orientations {
			args = append(args, v)
		}
	}
	if len(f.AITypes) > 0 {
		clauses = append(clauses, inClause("ai_type", len(f.AITypes)))
		for _, v := range f.AITypes {
			args = append(args, v)
		}
	}
	if len(f.IllustTypes) > 0 {
		clauses = append(clauses, inClause("illust_type", len(f.IllustTypes)))
		for _, v := range f.IllustTypes {
			args = append(args, v)
		}
	}
	if f.MinWidth > 0 {
		clauses = append(clauses, "width >= ?")
		args = append(args, f.MinWidth)
	}
	if f.MinHeight > 0 {
		clauses = append(clauses, "height >= ?")
		args = append(args, f.MinHeight)
	}
	if f.MinPixels > 0 {
		clauses = append(clauses, "(width * height) >= ?")
		args = append(args, f.MinPixels)
	}
	if f.MinBookmarks > 0 {
		clauses = append(clauses, "bookmark_count >= ?")
		args = append(args, f.MinBookmarks)
	}
	if f.MinViews > 0 {
		clauses = append(clauses, "view_count >= ?")
		args = append(args, f.MinViews)
	}
	if f.MinComments > 0 {
		clauses = append(clauses, "comment_count >= ?")
		args = append(args, f.MinComments)
	}
	if f.UserID != nil {
		clauses = append(clauses, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.IllustID != nil {
		clauses = append(clauses, "illust_id = ?")
		args = append(args, *f.IllustID)
	}
	if f.CreatedFrom != nil {
		clauses = append(clauses, "created_at_pixiv >= ?")
		args = append(args, *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		clauses = append(clauses, "created_at_pixiv <= ?")
		args = append(args, *f.CreatedTo)
	}
	for _, group := range f.IncludedTagGroups {
		if len(group) == 0 {
			continue
		}
		placeholders := make([]string, len(group))
		for i, name := range group {
			placeholders[i] = "?"
			args = append(args, name)
		}
		clauses = append(clauses, fmt.Sprintf(
			`id IN (SELECT it.image_id FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE t.name IN (%s))`,
			strings.Join(placeholders, ", ")))
	}
	if len(f.ExcludedTags) > 0 {
		placeholders := make([]string, len(f.ExcludedTags))
		for i, name := range f.ExcludedTags {
			placeholders[i] = "?"
			args = append(args, name)
		}
		clauses = append(clauses, fmt.Sprintf(
			`id NOT IN (SELECT it.image_id FROM image_tags it JOIN tags t ON t.id = it.tag_id WHERE t.name IN (%s))`,
			strings.Join(placeholders, ", ")))
	}
	if len(f.ExcludeImageIDs) > 0 {
		placeholders := make([]string, len(f.ExcludeImageIDs))
		for i, id := range f.ExcludeImageIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses, fmt.Sprintf("id NOT IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.FailCooldownBefore != nil {
		clauses = append(clauses, "(last_fail_at IS NULL OR last_fail_at <= ?)")
		args = append(args, *f.FailCooldownBefore)
	}

	return strings.Join(clauses, " AND "), args
}

func inClause(col string, n int) string {
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
}
