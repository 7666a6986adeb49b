package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// BackupHandler exports and restores the admin-configurable surface of
// the system — proxy topology, tokens (still encrypted at rest) and
// runtime settings — as a single JSON document, mirroring the teacher's
// config-backup/restore feature but scoped to this domain's tables.
type BackupHandler struct {
	db *sql.DB
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(db *sql.DB) *BackupHandler {
	return &BackupHandler{db: db}
}

// BackupData is the top-level export envelope. Secrets stay encrypted:
// refresh_token_enc and password_enc are exported ciphertext, decryptable
// only with the server's own key, so a backup file leaked without the key
// discloses nothing.
type BackupData struct {
	Version         int                     `json:"version"`
	ExportedAt      string                  `json:"exported_at"`
	Tokens          []backupToken           `json:"tokens"`
	ProxyPools      []backupProxyPool       `json:"proxy_pools"`
	ProxyEndpoints  []backupProxyEndpoint   `json:"proxy_endpoints"`
	PoolMembers     []backupPoolMember      `json:"pool_members"`
	RuntimeSettings []backupRuntimeSetting  `json:"runtime_settings"`
}

type backupToken struct {
	Label              *string `json:"label,omitempty"`
	Enabled            bool    `json:"enabled"`
	RefreshTokenEnc    string  `json:"refresh_token_enc"`
	RefreshTokenMasked string  `json:"refresh_token_masked"`
	Weight             int     `json:"weight"`
}

type backupProxyPool struct {
	Name        string  `json:"name"`
	Enabled     bool    `json:"enabled"`
	Description *string `json:"description,omitempty"`
}

type backupProxyEndpoint struct {
	Scheme      string `json:"scheme"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	PasswordEnc string `json:"password_enc"`
	Enabled     bool   `json:"enabled"`
	Source      string `json:"source"`
}

type backupPoolMember struct {
	PoolName     string `json:"pool_name"`
	EndpointHost string `json:"endpoint_host"`
	EndpointPort int    `json:"endpoint_port"`
	Enabled      bool   `json:"enabled"`
	Weight       int    `json:"weight"`
}

type backupRuntimeSetting struct {
	Key         string          `json:"key"`
	ValueJSON   json.RawMessage `json:"value_json"`
	Description *string         `json:"description,omitempty"`
}

// Export handles GET /api/admin/backup/export.
func (h *BackupHandler) Export(c *gin.Context) {
	ctx := c.Request.Context()
	data := BackupData{Version: 1, ExportedAt: time.Now().UTC().Format(time.RFC3339)}

	var err error
	if data.Tokens, err = h.exportTokens(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("export tokens: %v", err)})
		return
	}
	if data.ProxyPools, err = h.exportProxyPools(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("export proxy_pools: %v", err)})
		return
	}
	if data.ProxyEndpoints, err = h.exportProxyEndpoints(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("export proxy_endpoints: %v", err)})
		return
	}
	if data.PoolMembers, err = h.exportPoolMembers(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("export pool_members: %v", err)})
		return
	}
	if data.RuntimeSettings, err = h.exportRuntimeSettings(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("export runtime_settings: %v", err)})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="imgserve-backup-%s.json"`,
		time.Now().Format("20060102-150405")))
	c.JSON(http.StatusOK, data)
}

func (h *BackupHandler) exportTokens(ctx context.Context) ([]backupToken, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT label, enabled, refresh_token_enc, refresh_token_masked, weight FROM pixiv_tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []backupToken
	for rows.Next() {
		var t backupToken
		var label sql.NullString
		var enabled int
		if err := rows.Scan(&label, &enabled, &t.RefreshTokenEnc, &t.RefreshTokenMasked, &t.Weight); err != nil {
			return nil, err
		}
		if label.Valid {
			t.Label = &label.String
		}
		t.Enabled = enabled == 1
		result = append(result, t)
	}
	return result, rows.Err()
}

func (h *BackupHandler) exportProxyPools(ctx context.Context) ([]backupProxyPool, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT name, enabled, description FROM proxy_pools`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []backupProxyPool
	for rows.Next() {
		var p backupProxyPool
		var enabled int
		var desc sql.NullString
		if err := rows.Scan(&p.Name, &enabled, &desc); err != nil {
			return nil, err
		}
		p.Enabled = enabled == 1
		if desc.Valid {
			p.Description = &desc.String
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (h *BackupHandler) exportProxyEndpoints(ctx context.Context) ([]backupProxyEndpoint, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT scheme, host, port, username, password_enc, enabled, source FROM proxy_endpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []backupProxyEndpoint
	for rows.Next() {
		var e backupProxyEndpoint
		var enabled int
		if err := rows.Scan(&e.Scheme, &e.Host, &e.Port, &e.Username, &e.PasswordEnc, &enabled, &e.Source); err != nil {
			return nil, err
		}
		e.Enabled = enabled == 1
		result = append(result, e)
	}
	return result, rows.Err()
}

func (h *BackupHandler) exportPoolMembers(ctx context.Context) ([]backupPoolMember, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT pp.name, pe.host, pe.port, ppe.enabled, ppe.weight
		FROM proxy_pool_endpoints ppe
		JOIN proxy_pools pp ON ppe.pool_id = pp.id
		JOIN proxy_endpoints pe ON ppe.endpoint_id = pe.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []backupPoolMember
	for rows.Next() {
		var m backupPoolMember
		var enabled int
		if err := rows.Scan(&m.PoolName, &m.EndpointHost, &m.EndpointPort, &enabled, &m.Weight); err != nil {
			return nil, err
		}
		m.Enabled = enabled == 1
		result = append(result, m)
	}
	return result, rows.Err()
}

func (h *BackupHandler) exportRuntimeSettings(ctx context.Context) ([]backupRuntimeSetting, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT key, value_json, description FROM runtime_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []backupRuntimeSetting
	for rows.Next() {
		var s backupRuntimeSetting
		var desc sql.NullString
		var valueJSON string
		if err := rows.Scan(&s.Key, &valueJSON, &desc); err != nil {
			return nil, err
		}
		s.ValueJSON = json.RawMessage(valueJSON)
		if desc.Valid {
			s.Description = &desc.String
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// Import handles POST /api/admin/backup/import, restoring proxy topology
// and runtime settings inside a single transaction. Tokens are
// intentionally NOT restored by this path: their refresh_token_enc was
// encrypted with the exporting server's key, which may differ from the
// importing server's — importing ciphertext blind would silently create
// tokens that can never be decrypted. Operators re-add tokens manually
// after a restore.
func (h *BackupHandler) Import(c *gin.Context) {
	var data BackupData
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if data.Version != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported backup version: %d", data.Version)})
		return
	}

	ctx := c.Request.Context()
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("begin transaction: %v", err)})
		return
	}
	defer tx.Rollback()

	for _, t := range data.RuntimeSettings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runtime_settings (key, value_json, description, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, description = excluded.description, updated_at = excluded.updated_at`,
			t.Key, string(t.ValueJSON), t.Description, time.Now().UTC().Format("2006-01-02T15:04:05.000Z")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("restore setting %s: %v", t.Key, err)})
			return
		}
	}

	poolIDs := make(map[string]int64)
	for _, p := range data.ProxyPools {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO proxy_pools (name, enabled, description) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, description = excluded.description`,
			p.Name, boolInt(p.Enabled), p.Description)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("restore pool %s: %v", p.Name, err)})
			return
		}
		id, _ := res.LastInsertId()
		if id == 0 {
			_ = tx.QueryRowContext(ctx, `SELECT id FROM proxy_pools WHERE name = ?`, p.Name).Scan(&id)
		}
		poolIDs[p.Name] = id
	}

	endpointIDs := make(map[string]int64)
	for _, e := range data.ProxyEndpoints {
		key := fmt.Sprintf("%s:%d", e.Host, e.Port)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO proxy_endpoints (scheme, host, port, username, password_enc, enabled, source) VALUES (?,?,?,?,?,?,?)`,
			e.Scheme, e.Host, e.Port, e.Username, e.PasswordEnc, boolInt(e.Enabled), e.Source)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("restore endpoint %s: %v", key, err)})
			return
		}
		id, _ := res.LastInsertId()
		endpointIDs[key] = id
	}

	for _, m := range data.PoolMembers {
		poolID, ok := poolIDs[m.PoolName]
		if !ok {
			continue
		}
		endpointID, ok := endpointIDs[fmt.Sprintf("%s:%d", m.EndpointHost, m.EndpointPort)]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO proxy_pool_endpoints (pool_id, endpoint_id, enabled, weight) VALUES (?,?,?,?)`,
			poolID, endpointID, boolInt(m.Enabled), m.Weight); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("restore pool membership: %v", err)})
			return
		}
	}

	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("commit: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "backup restored; pixiv tokens must be re-added manually"})
}

// boolInt converts bool to SQLite integer (1/0).
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
