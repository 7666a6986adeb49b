package repository

import (
	"context"
	"database/sql"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLJobRepository implements JobRepository using database/sql, per the
// state machine of spec §4.1.
type SQLJobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new SQLJobRepository.
func NewJobRepository(db *sql.DB) *SQLJobRepository {
	return &SQLJobRepository{db: db}
}

const jobColumns = `id, type, status, priority, run_after, attempt, max_attempts, payload_json,
	last_error, locked_by, locked_at, ref_type, ref_id, added_at, updated_at`

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Priority, &j.RunAfter, &j.Attempt, &j.MaxAttempts,
		&j.PayloadJSON, &j.LastError, &j.LockedBy, &j.LockedAt, &j.RefType, &j.RefID, &j.AddedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *SQLJobRepository) Insert(ctx context.Context, j *models.Job) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (type, status, priority, run_after, attempt, max_attempts, payload_json,
			ref_type, ref_id)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		j.Type, j.Status, j.Priority, j.RunAfter, j.MaxAttempts, j.PayloadJSON, j.RefType, j.RefID)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLJobRepository) FindByID(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Claim selects and locks the oldest eligible pending job: status=pending,
// run_after is NULL or elapsed, ordered by priority ASC (smaller runs
// sooner; opportunistic hydrations use negative priority to preempt
// backfill), id ASC.
func (r *SQLJobRepository) Claim(ctx context.Context, workerID string, now string) (*models.Job, error) {
	jobs, err := r.ClaimBatch(ctx, workerID, now, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, sql.ErrNoRows
	}
	return jobs[0], nil
}

// ClaimBatch claims up to limit eligible jobs inside a single transaction,
// so concurrent workers never double-claim the same row.
func (r *SQLJobRepository) ClaimBatch(ctx context.Context, workerID string, now string, limit int) ([]*models.Job, error) {
	var claimed []*models.Job
	err := WithBusyRetry(ctx, 5, func() error {
		claimed = nil
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM jobs
			WHERE status = 'pending' AND (run_after IS NULL OR run_after <= ?)
			ORDER BY priority ASC, id ASC
			LIMIT ?`, now, limit)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'running', locked_by = ?, locked_at = ?, updated_at = ?
				WHERE id = ?`, workerID, now, now, id)
			if err != nil {
				return err
			}
			row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
			j, err := scanJob(row)
			if err != nil {
				return err
			}
			claimed = append(claimed, j)
		}
		return tx.Commit()
	})
	return claimed, err
}

func (r *SQLJobRepository) Complete(ctx context.Context, id int64, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	return err
}

// Fail transitions a job back to pending with a backoff run_after, tracking
// the attempt count and last error, per invariant that failed jobs retry
// up to max_attempts before dead-lettering.
func (r *SQLJobRepository) Fail(ctx context.Context, id int64, runAfter string, lastError string, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', run_after = ?, attempt = attempt + 1,
			last_error = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ?`, runAfter, lastError, now, id)
	return err
}

func (r *SQLJobRepository) DeadLetter(ctx context.Context, id int64, lastError string, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'dlq', last_error = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ?`, lastError, now, id)
	return err
}

// Defer transitions a job to status (typically pending) with a new
// run_after, releasing its lock, without touching attempt — the
// NO_TOKEN_AVAILABLE/PROXY_REQUIRED and self-requeuing backfill paths
// must not consume a retry attempt the way Fail does.
func (r *SQLJobRepository) Defer(ctx context.Context, id int64, status string, runAfter *string, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, run_after = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ?`, status, runAfter, now, id)
	return err
}

func (r *SQLJobRepository) Cancel(ctx context.Context, id int64, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'canceled', locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running', 'paused')`, now, id)
	return err
}

func (r *SQLJobRepository) Retry(ctx context.Context, id int64, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', run_after = NULL, attempt = 0, last_error = NULL,
			locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('failed', 'dlq', 'canceled')`, now, id)
	return err
}

// ReclaimStale returns running jobs whose lock was taken before olderThan
// back to pending, for workers that died mid-job.
func (r *SQLJobRepository) ReclaimStale(ctx context.Context, olderThan string, now string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE status = 'running' AND locked_at < ?`, now, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PromotePending reports how many pending jobs have an elapsed backoff and
// are now eligible for Claim (Claim already applies this filter itself;
// this exists for schedulers that want to log the count before a sweep).
func (r *SQLJobRepository) PromotePending(ctx context.Context, now string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND run_after IS NOT NULL AND run_after <= ?`, now,
	).Scan(&count)
	return count, err
}

func (r *SQLJobRepository) List(ctx context.Context, status string, offset, limit int) ([]*models.Job, int64, error) {
	var total int64
	var countErr error
	var rows *sql.Rows
	var err error
	if status == "" {
		countErr = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total)
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		countErr = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&total)
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
			status, limit, offset)
	}
	if countErr != nil {
		return nil, 0, countErr
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

func (r *SQLJobRepository) ExistsActive(ctx context.Context, jobType, refType, refID string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM jobs WHERE type = ? AND ref_type = ? AND ref_id = ?
			AND status IN ('pending', 'running') LIMIT 1`, jobType, refType, refID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
