package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// MigrationsFS holds the schema files. The migrations package sets it from
// init; a nil FS means there is nothing to apply.
var MigrationsFS fs.FS

// MigrationsDir is the directory within MigrationsFS holding the files.
var MigrationsDir = "migrations"

// migrationLockKey serialises concurrent migrators on a shared Postgres store.
const migrationLockKey = 7_340_118

// Migration is one schema step, read from a pair of files named
// YYYYMMDD_HHMMSS_name.up.sql and YYYYMMDD_HHMMSS_name.down.sql.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	UpSQL   string
	DownSQL string // optional
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// Migrate applies pending migrations oldest first, each in its own
// transaction. A failure stops the run; earlier steps stay committed and the
// next run resumes at the failed one.
//
// Migration SQL must run on both SQLite and Postgres: TEXT timestamps,
// INTEGER flags and ON CONFLICT upserts.
func (db *DB) Migrate(ctx context.Context) error {
	all, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	return db.withMigrationConn(ctx, func(conn *sql.Conn) error {
		applied, err := db.appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range all {
			if _, done := applied[m.Version]; done {
				continue
			}
			if err := db.runStep(ctx, conn, m.UpSQL,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339),
			); err != nil {
				return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
			}
		}
		return nil
	})
}

// MigrateDown reverts the most recently applied migration, if any.
func (db *DB) MigrateDown(ctx context.Context) error {
	all, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	byVersion := make(map[string]Migration, len(all))
	for _, m := range all {
		byVersion[m.Version] = m
	}

	return db.withMigrationConn(ctx, func(conn *sql.Conn) error {
		records, err := db.appliedRecords(ctx, conn)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		latest := records[len(records)-1].Version

		m, ok := byVersion[latest]
		switch {
		case !ok:
			return fmt.Errorf("migration %s not found in filesystem", latest)
		case m.DownSQL == "":
			return fmt.Errorf("migration %s has no down SQL", latest)
		}
		if err := db.runStep(ctx, conn, m.DownSQL,
			"DELETE FROM schema_migrations WHERE version = ?", latest,
		); err != nil {
			return fmt.Errorf("reverting migration %s: %w", latest, err)
		}
		return nil
	})
}

// GetMigrationStatus returns the applied records and the migrations still pending.
func (db *DB) GetMigrationStatus(ctx context.Context) (applied []MigrationRecord, pending []Migration, err error) {
	all, err := loadMigrations()
	if err != nil {
		return nil, nil, err
	}

	err = db.withMigrationConn(ctx, func(conn *sql.Conn) error {
		applied, err = db.appliedRecords(ctx, conn)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]struct{}, len(applied))
	for _, r := range applied {
		seen[r.Version] = struct{}{}
	}
	for _, m := range all {
		if _, ok := seen[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

// withMigrationConn pins one connection, ensures schema_migrations exists
// and, on Postgres, holds the migration advisory lock while fn runs.
func (db *DB) withMigrationConn(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if db.dialect == DialectPostgres {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
			return fmt.Errorf("taking migration lock: %w", err)
		}
		defer func() {
			// The session lock must be released on the same connection.
			if _, unlockErr := conn.ExecContext(context.WithoutCancel(ctx),
				"SELECT pg_advisory_unlock($1)", migrationLockKey); unlockErr != nil {
				err = errors.Join(err, fmt.Errorf("releasing migration lock: %w", unlockErr))
			}
		}()
	}

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return fn(conn)
}

// runStep executes script and the bookkeeping statement in one transaction.
func (db *DB) runStep(ctx context.Context, conn *sql.Conn, script, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, db.Rebind(bookkeeping), args...); err != nil {
		return fmt.Errorf("updating schema_migrations: %w", err)
	}
	return tx.Commit()
}

func (db *DB) appliedRecords(ctx context.Context, conn *sql.Conn) ([]MigrationRecord, error) {
	rows, err := conn.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var (
			r         MigrationRecord
			appliedAt string
		)
		if err := rows.Scan(&r.Version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // written by runStep
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return records, nil
}

func (db *DB) appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]struct{}, error) {
	records, err := db.appliedRecords(ctx, conn)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(records))
	for _, r := range records {
		set[r.Version] = struct{}{}
	}
	return set, nil
}

// migrationFile is a parsed migration filename.
type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFile splits "20260301_090000_meter_schema.up.sql" into its
// version, name and direction. ok is false for anything else.
func parseMigrationFile(filename string) (f migrationFile, ok bool) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return f, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, f.up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return f, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return f, false
	}
	f.version = parts[0] + "_" + parts[1]
	f.name = base
	if len(parts) == 3 {
		f.name = parts[2]
	}
	return f, true
}

// loadMigrations reads MigrationsFS and returns complete migrations sorted by
// version. A down file without its up file is ignored.
func loadMigrations() ([]Migration, error) {
	if MigrationsFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	downs := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseMigrationFile(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		if !f.up {
			downs[f.version] = string(body)
			continue
		}
		if _, dup := byVersion[f.version]; dup {
			return nil, fmt.Errorf("duplicate migration version %s", f.version)
		}
		byVersion[f.version] = &Migration{Version: f.version, Name: f.name, UpSQL: string(body)}
	}

	out := make([]Migration, 0, len(byVersion))
	for v, m := range byVersion {
		m.DownSQL = downs[v]
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
