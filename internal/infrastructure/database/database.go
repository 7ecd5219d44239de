package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	defaultBusyTimeout = 5 * time.Second
	pingTimeout        = 5 * time.Second
)

// DB is a single-writer SQLite handle.
type DB struct {
	*sql.DB
	path string
}

// Config describes where the database lives.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	// BusyTimeout bounds waits on a locked database. Zero means 5s.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the database at cfg.Path in WAL mode.
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	// See https://github.com/mattn/go-sqlite3#connection-string
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, busy.Milliseconds())

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // best effort

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Close closes the database. It is safe on a zero DB.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
