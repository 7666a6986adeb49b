package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pixivproxy/imgserve/internal/pkg/paths"
)

// Load loads configuration with 3-tier priority:
// Environment variables > SQLite runtime_settings > Default values
func Load() (*Config, error) {
	loadDotEnv()

	cfg := DefaultConfig()
	cfg.Database.Path = paths.GetDBPath()

	if err := loadFromDatabase(cfg); err != nil {
		log.Printf("WARN: failed to load config from database: %v", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads .env file from the project root.
func loadDotEnv() {
	envFile := filepath.Join(paths.GetBasePath(), ".env")
	data, err := os.ReadFile(envFile)
	if err != nil {
		return
	}

	for _, line := range splitLines(string(data)) {
		line = trimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		if idx := indexOf(line, '='); idx > 0 {
			key := trimSpace(line[:idx])
			val := trimSpace(line[idx+1:])
			val = trimQuotes(val)
			if os.Getenv(key) == "" {
				os.Setenv(key, val)
			}
		}
	}
}

// loadFromDatabase overlays runtime_settings rows (proxy.*, rate_limit.*)
// onto the default config, matching the RuntimeSettingRepository schema.
func loadFromDatabase(cfg *Config) error {
	dbPath := cfg.Database.Path
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value_json FROM runtime_settings WHERE key LIKE 'rate_limit.%'`)
	if err != nil {
		return nil // table may not exist yet (pre-migration)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var valueJSON []byte
		if err := rows.Scan(&key, &valueJSON); err != nil {
			continue
		}
		switch key {
		case "rate_limit.enabled":
			var v bool
			if json.Unmarshal(valueJSON, &v) == nil {
				cfg.RateLimit.Enabled = v
			}
		case "rate_limit.max_requests":
			var v int
			if json.Unmarshal(valueJSON, &v) == nil {
				cfg.RateLimit.MaxRequests = v
			}
		case "rate_limit.window_seconds":
			var v int
			if json.Unmarshal(valueJSON, &v) == nil {
				cfg.RateLimit.WindowSeconds = v
			}
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnvStr("IMGSERVE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("IMGSERVE_PORT", cfg.Server.Port)
	cfg.Server.Workers = getEnvInt("IMGSERVE_WORKERS", cfg.Server.Workers)
	cfg.Server.TimeoutKeepAlive = getEnvInt("IMGSERVE_TIMEOUT_KEEP_ALIVE", cfg.Server.TimeoutKeepAlive)
	cfg.Server.TimeoutGracefulShutdown = getEnvIntOptional("IMGSERVE_TIMEOUT_GRACEFUL_SHUTDOWN")
	cfg.Server.AccessLog = getEnvBool("IMGSERVE_ACCESS_LOG", cfg.Server.AccessLog)
	cfg.Server.ProxyHeaders = getEnvBool("IMGSERVE_PROXY_HEADERS", cfg.Server.ProxyHeaders)
	cfg.Server.ForwardedAllowIPs = getEnvStr("IMGSERVE_FORWARDED_ALLOW_IPS", cfg.Server.ForwardedAllowIPs)
	cfg.Server.LogLevel = getEnvStr("LOG_LEVEL", cfg.Server.LogLevel)

	cfg.Security.SecretKey = getEnvStr("IMGSERVE_SECRET_KEY", cfg.Security.SecretKey)
	cfg.Security.EncryptionKey = getEnvStr("IMGSERVE_ENCRYPTION_KEY", cfg.Security.EncryptionKey)
	cfg.Security.SessionExpireHours = getEnvInt("IMGSERVE_SESSION_EXPIRE_HOURS", cfg.Security.SessionExpireHours)
	cfg.Security.DefaultAdmin.Username = getEnvStr("IMGSERVE_DEFAULT_ADMIN_USERNAME", cfg.Security.DefaultAdmin.Username)
	cfg.Security.DefaultAdmin.Password = getEnvStr("IMGSERVE_DEFAULT_ADMIN_PASSWORD", cfg.Security.DefaultAdmin.Password)
	cfg.Security.PublicAPIKeyRequired = getEnvBool("IMGSERVE_PUBLIC_API_KEY_REQUIRED", cfg.Security.PublicAPIKeyRequired)

	if dbPath := os.Getenv("IMGSERVE_DB"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	cfg.LogRotation.MaxSizeMB = getEnvInt("IMGSERVE_LOG_MAX_SIZE_MB", cfg.LogRotation.MaxSizeMB)
	cfg.LogRotation.MaxBackups = getEnvInt("IMGSERVE_LOG_MAX_BACKUPS", cfg.LogRotation.MaxBackups)
	cfg.LogRotation.MaxAgeDays = getEnvInt("IMGSERVE_LOG_MAX_AGE_DAYS", cfg.LogRotation.MaxAgeDays)
	cfg.LogRotation.Compress = getEnvBool("IMGSERVE_LOG_COMPRESS", cfg.LogRotation.Compress)

	cfg.RateLimit.Enabled = getEnvBool("IMGSERVE_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.MaxRequests = getEnvInt("IMGSERVE_RATE_LIMIT_MAX_REQUESTS", cfg.RateLimit.MaxRequests)
	cfg.RateLimit.WindowSeconds = getEnvInt("IMGSERVE_RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimit.WindowSeconds)

	cfg.Jobs.WorkerCount = getEnvInt("IMGSERVE_JOBS_WORKER_COUNT", cfg.Jobs.WorkerCount)
	cfg.Jobs.PollIntervalMs = getEnvInt("IMGSERVE_JOBS_POLL_INTERVAL_MS", cfg.Jobs.PollIntervalMs)
	cfg.Jobs.ClaimBatchSize = getEnvInt("IMGSERVE_JOBS_CLAIM_BATCH_SIZE", cfg.Jobs.ClaimBatchSize)
	cfg.Jobs.LeaseSeconds = getEnvInt("IMGSERVE_JOBS_LEASE_SECONDS", cfg.Jobs.LeaseSeconds)
	cfg.Jobs.MaxAttempts = getEnvInt("IMGSERVE_JOBS_MAX_ATTEMPTS", cfg.Jobs.MaxAttempts)
	cfg.Jobs.BaseBackoffSeconds = getEnvInt("IMGSERVE_JOBS_BASE_BACKOFF_SECONDS", cfg.Jobs.BaseBackoffSeconds)

	cfg.Pixiv.ClientID = getEnvStr("IMGSERVE_PIXIV_CLIENT_ID", cfg.Pixiv.ClientID)
	cfg.Pixiv.ClientSecret = getEnvStr("IMGSERVE_PIXIV_CLIENT_SECRET", cfg.Pixiv.ClientSecret)
	cfg.Pixiv.HashSecret = getEnvStr("IMGSERVE_PIXIV_HASH_SECRET", cfg.Pixiv.HashSecret)
	cfg.Pixiv.RequestTimeoutSeconds = getEnvInt("IMGSERVE_PIXIV_TIMEOUT_SECONDS", cfg.Pixiv.RequestTimeoutSeconds)
	cfg.Pixiv.UserAgent = getEnvStr("IMGSERVE_PIXIV_USER_AGENT", cfg.Pixiv.UserAgent)

	cfg.Redis.Addr = getEnvStr("IMGSERVE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvStr("IMGSERVE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("IMGSERVE_REDIS_DB", cfg.Redis.DB)
}

// String utility functions (avoiding external dependencies).

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
