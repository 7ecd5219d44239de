package database

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Migration is one forward schema change, loaded from a file named
// YYYYMMDD_HHMMSS_description.up.sql.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// Migrate applies every migration in fsys that has not been applied yet,
// oldest first, each in its own transaction. Files that do not match the
// naming scheme are ignored.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := db.AppliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// AppliedVersions returns the set of applied migration versions.
func (db *DB) AppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return applied, nil
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// LoadMigrations reads the up migrations at the root of fsys, sorted by
// version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseMigrationFilename splits "20260301_120000_alert_outbox.up.sql"
// into version "20260301_120000" and name "alert_outbox".
func parseMigrationFilename(filename string) (version, name string, ok bool) {
	base, found := strings.CutSuffix(filename, ".up.sql")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 3 || len(parts[0]) != 8 || len(parts[1]) != 6 || parts[2] == "" {
		return "", "", false
	}
	return parts[0] + "_" + parts[1], parts[2], true
}
