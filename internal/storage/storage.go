// Package storage selects and opens the configured kv.Store backend.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/memkv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/rediskv"
	"github.com/ChuLiYu/marketplace-partner/internal/storage/sqlkv"
)

// Backend driver names accepted in storage.driver.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MemoryConfig configures the embedded backend. An empty WALPath keeps it
// purely in memory.
type MemoryConfig struct {
	WALPath          string        `yaml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SyncOnAppend     bool          `yaml:"sync_on_append"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Config is the storage section of the service configuration.
type Config struct {
	Driver   string         `yaml:"driver"`
	Memory   MemoryConfig   `yaml:"memory"`
	Redis    rediskv.Config `yaml:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// Snapshotter is implemented by backends that compact their own log.
type Snapshotter interface {
	Snapshot() (memkv.SnapshotInfo, error)
	Durable() bool
}

// Open connects the backend named by cfg.Driver (memory when empty).
func Open(ctx context.Context, cfg Config) (kv.Store, error) {
	var (
		store kv.Store
		err   error
	)
	switch cfg.Driver {
	case "", DriverMemory:
		var m *memkv.Store
		m, err = memkv.Open(memkv.Options{
			WALPath:      cfg.Memory.WALPath,
			SnapshotPath: cfg.Memory.SnapshotPath,
			SyncOnAppend: cfg.Memory.SyncOnAppend,
		})
		store = m
	case DriverRedis:
		var r *rediskv.Store
		r, err = rediskv.New(ctx, cfg.Redis)
		store = r
	case DriverSQLite:
		var q *sqlkv.Store
		q, err = sqlkv.OpenSQLite(ctx, cfg.SQLite.Path)
		store = q
	case DriverPostgres:
		var q *sqlkv.Store
		q, err = sqlkv.OpenPostgres(ctx, cfg.Postgres.DSN)
		store = q
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
