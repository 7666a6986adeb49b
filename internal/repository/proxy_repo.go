package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pixivproxy/imgserve/internal/models"
)

// SQLProxyPoolRepository implements ProxyPoolRepository using database/sql.
type SQLProxyPoolRepository struct {
	db *sql.DB
}

// NewProxyPoolRepository creates a new SQLProxyPoolRepository.
func NewProxyPoolRepository(db *sql.DB) *SQLProxyPoolRepository {
	return &SQLProxyPoolRepository{db: db}
}

func scanPool(row scanner) (*models.ProxyPool, error) {
	var p models.ProxyPool
	if err := row.Scan(&p.ID, &p.Name, &p.Enabled, &p.Description); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *SQLProxyPoolRepository) FindByID(ctx context.Context, id int64) (*models.ProxyPool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, enabled, description FROM proxy_pools WHERE id = ?`, id)
	return scanPool(row)
}

func (r *SQLProxyPoolRepository) FindByName(ctx context.Context, name string) (*models.ProxyPool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, enabled, description FROM proxy_pools WHERE name = ?`, name)
	return scanPool(row)
}

func (r *SQLProxyPoolRepository) FindAllEnabled(ctx context.Context) ([]*models.ProxyPool, error) {
	return r.findAll(ctx, true)
}

func (r *SQLProxyPoolRepository) FindAll(ctx context.Context) ([]*models.ProxyPool, error) {
	return r.findAll(ctx, false)
}

func (r *SQLProxyPoolRepository) findAll(ctx context.Context, enabledOnly bool) ([]*models.ProxyPool, error) {
	query := `SELECT id, name, enabled, description FROM proxy_pools`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProxyPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLProxyPoolRepository) Insert(ctx context.Context, p *models.ProxyPool) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_pools (name, enabled, description) VALUES (?, ?, ?)`,
		p.Name, p.Enabled, p.Description)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLProxyPoolRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
	return dynamicUpdate(ctx, r.db, "proxy_pools", id, updates)
}

func (r *SQLProxyPoolRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM proxy_pools WHERE id = ?`, id)
	return err
}

// dynamicUpdate renders a map[string]any into an UPDATE ... SET col = ? ...
// WHERE id = ? statement, matching the teacher's partial-update convention.
func dynamicUpdate(ctx context.Context, db *sql.DB, table string, id int64, updates map[string]any) error {
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
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(setClauses, ", "))
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// SQLProxyEndpointRepository implements ProxyEndpointRepository using database/sql.
type SQLProxyEndpointRepository struct {
	db *sql.DB
}

// NewProxyEndpointRepository creates a new SQLProxyEndpointRepository.
func NewProxyEndpointRepository(db *sql.DB) *SQLProxyEndpointRepository {
	return &SQLProxyEndpointRepository{db: db}
}

const endpointColumns = `id, scheme, host, port, username, password_enc, enabled, source, source_ref,
	last_latency_ms, last_ok_at, last_fail_at, blacklisted_until, success_count, failure_count, last_error`

func scanEndpoint(row scanner) (*models.ProxyEndpoint, error) {
	var e models.ProxyEndpoint
	err := row.Scan(&e.ID, &e.Scheme, &e.Host, &e.Port, &e.Username, &e.PasswordEnc, &e.Enabled,
		&e.Source, &e.SourceRef, &e.LastLatencyMs, &e.LastOkAt, &e.LastFailAt, &e.BlacklistedUntil,
		&e.SuccessCount, &e.FailureCount, &e.LastError)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *SQLProxyEndpointRepository) FindByID(ctx context.Context, id int64) (*models.ProxyEndpoint, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM proxy_endpoints WHERE id = ?`, id)
	return scanEndpoint(row)
}

func (r *SQLProxyEndpointRepository) FindAll(ctx context.Context) ([]*models.ProxyEndpoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM proxy_endpoints ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProxyEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLProxyEndpointRepository) Insert(ctx context.Context, e *models.ProxyEndpoint) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO proxy_endpoints (scheme, host, port, username, password_enc, enabled, source, source_ref,
			success_count, failure_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		e.Scheme, e.Host, e.Port, e.Username, e.PasswordEnc, e.Enabled, e.Source, e.SourceRef)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLProxyEndpointRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
	return dynamicUpdate(ctx, r.db, "proxy_endpoints", id, updates)
}

func (r *SQLProxyEndpointRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM proxy_endpoints WHERE id = ?`, id)
	return err
}

func (r *SQLProxyEndpointRepository) MembersOfPool(ctx context.Context, poolID int64) ([]*PoolMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixColumns("pe", endpointColumns)+`, ppe.weight, ppe.enabled
		FROM proxy_pool_endpoints ppe
		JOIN proxy_endpoints pe ON pe.id = ppe.endpoint_id
		WHERE ppe.pool_id = ?`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PoolMember
	for rows.Next() {
		var m PoolMember
		err := rows.Scan(&m.Endpoint.ID, &m.Endpoint.Scheme, &m.Endpoint.Host, &m.Endpoint.Port,
			&m.Endpoint.Username, &m.Endpoint.PasswordEnc, &m.Endpoint.Enabled, &m.Endpoint.Source,
			&m.Endpoint.SourceRef, &m.Endpoint.LastLatencyMs, &m.Endpoint.LastOkAt, &m.Endpoint.LastFailAt,
			&m.Endpoint.BlacklistedUntil, &m.Endpoint.SuccessCount, &m.Endpoint.FailureCount, &m.Endpoint.LastError,
			&m.Weight, &m.Enabled)
		if err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (r *SQLProxyEndpointRepository) SetMembership(ctx context.Context, poolID, endpointID int64, enabled bool, weight int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO proxy_pool_endpoints (pool_id, endpoint_id, enabled, weight)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pool_id, endpoint_id) DO UPDATE SET enabled = excluded.enabled, weight = excluded.weight`,
		poolID, endpointID, enabled, weight)
	return err
}

func (r *SQLProxyEndpointRepository) MarkOK(ctx context.Context, id int64, latencyMs int, now string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE proxy_endpoints SET last_ok_at = ?, last_latency_ms = ?, success_count = success_count + 1,
			last_error = NULL WHERE id = ?`, now, latencyMs, id)
	return err
}

func (r *SQLProxyEndpointRepository) MarkFail(ctx context.Context, id int64, latencyMs int, now, errMsg string, blacklistedUntil string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE proxy_endpoints SET last_fail_at = ?, last_latency_ms = ?, failure_count = failure_count + 1,
			last_error = ?, blacklisted_until = ? WHERE id = ?`, now, latencyMs, errMsg, blacklistedUntil, id)
	return err
}

// SQLTokenProxyBindingRepository implements TokenProxyBindingRepository using database/sql.
type SQLTokenProxyBindingRepository struct {
	db *sql.DB
}

// NewTokenProxyBindingRepository creates a new SQLTokenProxyBindingRepository.
func NewTokenProxyBindingRepository(db *sql.DB) *SQLTokenProxyBindingRepository {
	return &SQLTokenProxyBindingRepository{db: db}
}

func scanBinding(row scanner) (*models.TokenProxyBinding, error) {
	var b models.TokenProxyBinding
	err := row.Scan(&b.TokenID, &b.PoolID, &b.PrimaryProxyID, &b.OverrideProxyID, &b.OverrideExpiresAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *SQLTokenProxyBindingRepository) Find(ctx context.Context, tokenID, poolID int64) (*models.TokenProxyBinding, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT token_id, pool_id, primary_proxy_id, override_proxy_id, override_expires_at
		FROM token_proxy_bindings WHERE token_id = ? AND pool_id = ?`, tokenID, poolID)
	return scanBinding(row)
}

func (r *SQLTokenProxyBindingRepository) ListByPool(ctx context.Context, poolID int64) ([]*models.TokenProxyBinding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token_id, pool_id, primary_proxy_id, override_proxy_id, override_expires_at
		FROM token_proxy_bindings WHERE pool_id = ?`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TokenProxyBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *SQLTokenProxyBindingRepository) Upsert(ctx context.Context, b *models.TokenProxyBinding) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_proxy_bindings (token_id, pool_id, primary_proxy_id, override_proxy_id, override_expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token_id, pool_id) DO UPDATE SET primary_proxy_id = excluded.primary_proxy_id`,
		b.TokenID, b.PoolID, b.PrimaryProxyID, b.OverrideProxyID, b.OverrideExpiresAt)
	return err
}

func (r *SQLTokenProxyBindingRepository) SetOverride(ctx context.Context, tokenID, poolID, overrideProxyID int64, expiresAt string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE token_proxy_bindings SET override_proxy_id = ?, override_expires_at = ?
		WHERE token_id = ? AND pool_id = ?`, overrideProxyID, expiresAt, tokenID, poolID)
	return err
}

func (r *SQLTokenProxyBindingRepository) ClearOverride(ctx context.Context, tokenID, poolID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE token_proxy_bindings SET override_proxy_id = NULL, override_expires_at = NULL
		WHERE token_id = ? AND pool_id = ?`, tokenID, poolID)
	return err
}
