// Package config loads control-plane configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the sandbox control plane.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Identity used when building preview URLs
	SandboxID     string
	PreviewDomain string

	// Workspace
	WorkspaceRoot string

	// Persistent state
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Process supervision
	MaxProcesses     int
	LogBufferBytes   int
	KillGracePeriod  time.Duration
	CleanupGrace     time.Duration
	MaxSSEStreams    int
	MaxRequestBytes  int64
	SessionTTL       time.Duration
	PortWatchTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvInt("PORT", 3000)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"*"})
	cfg.SandboxID = getEnv("SANDBOX_ID", "")
	cfg.PreviewDomain = getEnv("PREVIEW_DOMAIN", "localhost:8080")

	cfg.WorkspaceRoot = getEnv("WORKSPACE_ROOT", "/workspace")

	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite:///.data/boxlet.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	cfg.MaxProcesses = getEnvInt("MAX_PROCESSES", 256)
	cfg.LogBufferBytes = getEnvInt("LOG_BUFFER_BYTES", 1<<20)
	cfg.KillGracePeriod = getEnvDuration("KILL_GRACE_PERIOD", 5*time.Second)
	cfg.CleanupGrace = getEnvDuration("PROCESS_CLEANUP_GRACE", 30*time.Second)
	cfg.MaxSSEStreams = getEnvInt("MAX_SSE_STREAMS", 128)
	cfg.MaxRequestBytes = int64(getEnvInt("MAX_REQUEST_BYTES", 32<<20))
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 12*time.Hour)
	cfg.PortWatchTimeout = getEnvDuration("PORT_WATCH_TIMEOUT", 30*time.Second)

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// detectDriver determines the database driver from DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for the database layer.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
