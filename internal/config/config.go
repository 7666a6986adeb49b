// Package config provides configuration management with 3-tier priority:
// Environment variables > SQLite runtime_settings > Default values
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Security    SecurityConfig
	Database    DatabaseConfig
	LogRotation LogRotationConfig
	RateLimit   RateLimitConfig
	Jobs        JobsConfig
	Pixiv       PixivConfig
	Redis       RedisConfig
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled       bool
	MaxRequests   int
	WindowSeconds int
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host                    string
	Port                    int
	Workers                 int
	TimeoutKeepAlive        int
	TimeoutGracefulShutdown *int
	AccessLog               bool
	ProxyHeaders            bool
	ForwardedAllowIPs       string
	LogLevel                string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SecretKey          string
	EncryptionKey      string // used by internal/secretbox to encrypt tokens/proxy passwords at rest
	SessionExpireHours int
	DefaultAdmin       DefaultAdminConfig
	PublicAPIKeyRequired bool
}

// DefaultAdminConfig holds default admin credentials.
type DefaultAdminConfig struct {
	Username string
	Password string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// JobsConfig holds background worker/dispatcher configuration.
type JobsConfig struct {
	WorkerCount       int
	PollIntervalMs    int
	ClaimBatchSize    int
	LeaseSeconds      int
	MaxAttempts       int
	BaseBackoffSeconds int
}

// PixivConfig holds Pixiv App API client configuration.
type PixivConfig struct {
	ClientID       string
	ClientSecret   string
	HashSecret     string
	RequestTimeoutSeconds int
	UserAgent      string
}

// RedisConfig holds the optional distributed token-throttle backend
// connection. Empty Addr means the in-process throttle is used instead.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			Workers:           1,
			TimeoutKeepAlive:  5,
			AccessLog:         true,
			ProxyHeaders:      true,
			ForwardedAllowIPs: "*",
			LogLevel:          "INFO",
		},
		Security: SecurityConfig{
			SecretKey:          "change-this-to-a-random-secret-key",
			EncryptionKey:      "change-this-to-a-random-encryption-key",
			SessionExpireHours: 24,
			DefaultAdmin: DefaultAdminConfig{
				Username: "admin",
				Password: "admin123",
			},
			PublicAPIKeyRequired: false,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxRequests:   100,
			WindowSeconds: 60,
		},
		Jobs: JobsConfig{
			WorkerCount:        4,
			PollIntervalMs:     500,
			ClaimBatchSize:     10,
			LeaseSeconds:       120,
			MaxAttempts:        5,
			BaseBackoffSeconds: 5,
		},
		Pixiv: PixivConfig{
			RequestTimeoutSeconds: 15,
			UserAgent:             "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.Workers < 1 {
		return &ConfigError{Field: "server.workers", Message: "must be at least 1"}
	}
	if c.Jobs.WorkerCount < 1 {
		return &ConfigError{Field: "jobs.worker_count", Message: "must be at least 1"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Helper functions for environment variable parsing.

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvIntOptional(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}
