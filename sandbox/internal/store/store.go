// Package store persists the per-sandbox durable state: the sandbox name,
// environment variables, exposed-port records, and orphan-cleanup markers
// for snapshot temp directories. Backed by GORM over SQLite (default) or
// PostgreSQL when the platform provides a DSN.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // pure Go SQLite driver (modernc)
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/boxlet-dev/boxlet/sandbox/internal/config"
)

// SandboxRecord is the single-row table holding the set-once sandbox name.
type SandboxRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

// EnvVar is one persisted sandbox environment variable. Position preserves
// insertion order so children see variables in the order they were set.
type EnvVar struct {
	Name     string `gorm:"primaryKey"`
	Value    string
	Position int `gorm:"autoIncrement:false;index"`
}

// ExposedPort is one persisted port registry record.
type ExposedPort struct {
	Port      int    `gorm:"primaryKey"`
	Name      string
	Token     string `gorm:"size:16;not null"`
	ExposedAt time.Time
}

// OrphanDir marks a snapshot temp/old directory that must be swept away on
// the next startup if an apply was interrupted.
type OrphanDir struct {
	Path      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func allModels() []any {
	return []any{&SandboxRecord{}, &EnvVar{}, &ExposedPort{}, &OrphanDir{}}
}

// Store wraps the GORM connection.
type Store struct {
	db     *gorm.DB
	driver string
}

// New opens the database named by cfg and runs migrations.
func New(cfg *config.Config) (*Store, error) {
	// Only log slow queries (>1 second).
	slowLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormConfig := &gorm.Config{Logger: slowLogger}

	var db *gorm.DB
	var err error
	dsn := cfg.CleanDSN()

	switch cfg.DatabaseDriver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		sqliteDSN := strings.TrimPrefix(dsn, "file:")
		if sqliteDSN != ":memory:" && !strings.HasPrefix(sqliteDSN, ":memory:") {
			dir := filepath.Dir(sqliteDSN)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN), gormConfig)
		if err == nil {
			// WAL mode allows concurrent readers while a writer is active.
			db.Exec("PRAGMA journal_mode=WAL")
			db.Exec("PRAGMA busy_timeout = 5000")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.DatabaseDriver == "sqlite" {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	s := &Store{db: db, driver: cfg.DatabaseDriver}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(allModels()...)
}

// SandboxName returns the persisted sandbox name, empty when unset.
func (s *Store) SandboxName() (string, error) {
	var rec SandboxRecord
	err := s.db.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}

// SetSandboxName persists the name. It does not enforce set-once semantics;
// the session manager owns that invariant.
func (s *Store) SetSandboxName(name string) error {
	var rec SandboxRecord
	err := s.db.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&SandboxRecord{Name: name, CreatedAt: time.Now().UTC()}).Error
	}
	if err != nil {
		return err
	}
	rec.Name = name
	return s.db.Save(&rec).Error
}

// EnvVars returns all persisted env vars in insertion order.
func (s *Store) EnvVars() ([]EnvVar, error) {
	var vars []EnvVar
	if err := s.db.Order("position asc").Find(&vars).Error; err != nil {
		return nil, err
	}
	return vars, nil
}

// SetEnvVar inserts or updates one env var, appending to the order when new.
func (s *Store) SetEnvVar(name, value string) error {
	var existing EnvVar
	err := s.db.Where("name = ?", name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var maxPos int
		s.db.Model(&EnvVar{}).Select("COALESCE(MAX(position), 0)").Scan(&maxPos)
		return s.db.Create(&EnvVar{Name: name, Value: value, Position: maxPos + 1}).Error
	}
	if err != nil {
		return err
	}
	existing.Value = value
	return s.db.Save(&existing).Error
}

// ExposedPorts returns all persisted port records.
func (s *Store) ExposedPorts() ([]ExposedPort, error) {
	var ports []ExposedPort
	if err := s.db.Order("port asc").Find(&ports).Error; err != nil {
		return nil, err
	}
	return ports, nil
}

// PutExposedPort inserts one port record. The registry checks for duplicates
// before calling.
func (s *Store) PutExposedPort(p ExposedPort) error {
	return s.db.Create(&p).Error
}

// DeleteExposedPort removes one port record.
func (s *Store) DeleteExposedPort(port int) error {
	return s.db.Delete(&ExposedPort{}, "port = ?", port).Error
}

// AddOrphanDir records a directory to sweep on the next startup.
func (s *Store) AddOrphanDir(path string) error {
	return s.db.Save(&OrphanDir{Path: path, CreatedAt: time.Now().UTC()}).Error
}

// OrphanDirs lists recorded orphan directories.
func (s *Store) OrphanDirs() ([]OrphanDir, error) {
	var dirs []OrphanDir
	if err := s.db.Find(&dirs).Error; err != nil {
		return nil, err
	}
	return dirs, nil
}

// RemoveOrphanDir clears one marker after a successful sweep.
func (s *Store) RemoveOrphanDir(path string) error {
	return s.db.Delete(&OrphanDir{}, "path = ?", path).Error
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
