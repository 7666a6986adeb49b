// Package testutil provides test utilities and fixtures for the image
// serving service.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// NewTestDB creates an in-memory SQLite database with full schema for testing.
// The database is automatically closed when the test completes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_foreign_keys=ON")
	require.NoError(t, err, "failed to open test database")

	t.Cleanup(func() {
		db.Close()
	})

	err = createSchema(db)
	require.NoError(t, err, "failed to create schema")

	return db
}

// NewTestDBWithDefaults creates a test database with default runtime settings.
func NewTestDBWithDefaults(t *testing.T) *sql.DB {
	t.Helper()

	db := NewTestDB(t)

	err := insertDefaults(db)
	require.NoError(t, err, "failed to insert defaults")

	return db
}

// createSchema creates all tables for testing, mirroring
// internal/database/migrations/*.sql.
func createSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tags (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    translated_name TEXT,
    added_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    illust_id INTEGER NOT NULL,
    page_index INTEGER NOT NULL,
    ext TEXT NOT NULL DEFAULT 'jpg',
    original_url TEXT NOT NULL DEFAULT '',
    proxy_path TEXT NOT NULL DEFAULT '',
    random_key REAL NOT NULL,
    status INTEGER NOT NULL DEFAULT 1,
    width INTEGER,
    height INTEGER,
    aspect_ratio REAL,
    orientation INTEGER,
    x_restrict INTEGER,
    ai_type INTEGER,
    illust_type INTEGER,
    user_id INTEGER,
    user_name TEXT,
    title TEXT,
    created_at_pixiv TEXT,
    bookmark_count INTEGER,
    view_count INTEGER,
    comment_count INTEGER,
    last_ok_at TEXT,
    last_fail_at TEXT,
    last_error_code TEXT,
    fail_count INTEGER NOT NULL DEFAULT 0,
    created_import_id INTEGER,
    added_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (illust_id, page_index)
);

CREATE TABLE IF NOT EXISTS image_tags (
    image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
    tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (image_id, tag_id)
);

CREATE TABLE IF NOT EXISTS imports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_by TEXT,
    source TEXT NOT NULL DEFAULT '',
    total INTEGER NOT NULL DEFAULT 0,
    accepted INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    detail_json TEXT NOT NULL DEFAULT '[]',
    added_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pixiv_tokens (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    label TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    refresh_token_enc TEXT NOT NULL,
    refresh_token_masked TEXT NOT NULL DEFAULT '',
    weight INTEGER NOT NULL DEFAULT 100,
    error_count INTEGER NOT NULL DEFAULT 0,
    backoff_until TEXT,
    last_ok_at TEXT,
    last_fail_at TEXT,
    last_error_code TEXT,
    last_error_msg TEXT
);

CREATE TABLE IF NOT EXISTS proxy_pools (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    description TEXT
);

CREATE TABLE IF NOT EXISTS proxy_endpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scheme TEXT NOT NULL DEFAULT 'http',
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    username TEXT NOT NULL DEFAULT '',
    password_enc TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    source TEXT NOT NULL DEFAULT 'manual',
    source_ref TEXT,
    last_latency_ms INTEGER,
    last_ok_at TEXT,
    last_fail_at TEXT,
    blacklisted_until TEXT,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);

CREATE TABLE IF NOT EXISTS proxy_pool_endpoints (
    pool_id INTEGER NOT NULL REFERENCES proxy_pools(id) ON DELETE CASCADE,
    endpoint_id INTEGER NOT NULL REFERENCES proxy_endpoints(id) ON DELETE CASCADE,
    enabled INTEGER NOT NULL DEFAULT 1,
    weight INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (pool_id, endpoint_id)
);

CREATE TABLE IF NOT EXISTS token_proxy_bindings (
    token_id INTEGER NOT NULL REFERENCES pixiv_tokens(id) ON DELETE CASCADE,
    pool_id INTEGER NOT NULL REFERENCES proxy_pools(id) ON DELETE CASCADE,
    primary_proxy_id INTEGER NOT NULL REFERENCES proxy_endpoints(id),
    override_proxy_id INTEGER REFERENCES proxy_endpoints(id),
    override_expires_at TEXT,
    PRIMARY KEY (token_id, pool_id)
);

CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 0,
    run_after TEXT,
    attempt INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5,
    payload_json TEXT NOT NULL DEFAULT '{}',
    last_error TEXT,
    locked_by TEXT,
    locked_at TEXT,
    ref_type TEXT,
    ref_id TEXT,
    added_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_after, priority, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_ref_active ON jobs(type, ref_type, ref_id)
    WHERE status IN ('pending', 'running');

CREATE TABLE IF NOT EXISTS hydration_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL DEFAULT 'manual',
    status TEXT NOT NULL DEFAULT 'pending',
    criteria_json TEXT NOT NULL DEFAULT '{}',
    cursor_json TEXT NOT NULL DEFAULT '{}',
    total INTEGER,
    processed INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    started_at TEXT,
    finished_at TEXT,
    last_error TEXT
);

CREATE TABLE IF NOT EXISTS runtime_settings (
    key TEXT PRIMARY KEY,
    value_json TEXT NOT NULL,
    description TEXT,
    updated_by TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_registry (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_id TEXT UNIQUE NOT NULL,
    pid INTEGER NOT NULL,
    is_primary INTEGER NOT NULL DEFAULT 0,
    last_heartbeat TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Users table
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'user',
    is_active INTEGER DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Sessions table
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    token TEXT UNIQUE NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    ip_address TEXT,
    user_agent TEXT,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

-- API Keys table
CREATE TABLE IF NOT EXISTS api_keys (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    key_hash TEXT UNIQUE NOT NULL,
    key_full TEXT NOT NULL,
    key_prefix TEXT NOT NULL,
    name TEXT NOT NULL,
    is_active INTEGER DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_used_at TIMESTAMP,
    expires_at TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_images_random_key ON images(random_key);
CREATE INDEX IF NOT EXISTS idx_images_status ON images(status);
CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id);
`
	_, err := db.Exec(schema)
	return err
}

// insertDefaults inserts default runtime settings.
func insertDefaults(db *sql.DB) error {
	defaults := `
INSERT OR IGNORE INTO runtime_settings (key, value_json, updated_at) VALUES
    ('proxy.enabled', 'false', '2024-01-01T00:00:00.000Z'),
    ('proxy.fail_closed', 'false', '2024-01-01T00:00:00.000Z'),
    ('proxy.route_mode', '"pixiv_only"', '2024-01-01T00:00:00.000Z');
`
	_, err := db.Exec(defaults)
	return err
}

// SeedTestData populates the database with sample test data: users and
// api_keys (auth), mirroring the shapes repository tests assert against.
func SeedTestData(t *testing.T, db *sql.DB) {
	t.Helper()

	_, err := db.Exec(`
		INSERT INTO users (username, password_hash, role, is_active)
		VALUES
			('admin', '$2a$10$hashedpassword1', 'admin', 1),
			('testuser', '$2a$10$hashedpassword2', 'user', 1),
			('inactive', '$2a$10$hashedpassword3', 'user', 0)
	`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO api_keys (user_id, key_hash, key_full, key_prefix, name, is_active)
		VALUES
			(1, 'hash_admin_key_1', 'sk-admin-full-key', 'sk-admin', 'Admin Key', 1),
			(2, 'hash_user_key_1', 'sk-user-full-key', 'sk-user', 'User Key', 1),
			(2, 'hash_user_key_2', 'sk-user-revoked', 'sk-rev', 'Revoked Key', 0)
	`)
	require.NoError(t, err)
}

// SeedImages inserts a small deterministic population of images for
// random-picker and serving tests.
func SeedImages(t *testing.T, db *sql.DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		randomKey := float64(i) / float64(n)
		_, err := db.Exec(`
			INSERT INTO images (illust_id, page_index, ext, original_url, proxy_path, random_key, status,
				width, height, x_restrict, ai_type, illust_type, bookmark_count, view_count, comment_count,
				added_at, updated_at)
			VALUES (?, 0, 'jpg', ?, ?, ?, 1, 1200, 800, 0, 0, 0, 10, 100, 2, ?, ?)
		`, 1000+i, "https://i.pximg.net/img/"+string(rune('a'+i%26))+".jpg", "/i/x.jpg", randomKey,
			"2024-01-01T00:00:00.000Z", "2024-01-01T00:00:00.000Z")
		require.NoError(t, err)
	}
}
