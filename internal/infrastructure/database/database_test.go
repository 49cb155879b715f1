package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenSQLite(t *testing.T) {
	tests := []struct {
		name string
		rel  string
		wal  bool
	}{
		{"flat file with WAL", "meters.db", true},
		{"nested directory", filepath.Join("var", "lib", "devicesync", "meters.db"), true},
		{"rollback journal", "journal.db", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), tt.rel)

			db, err := Open(Config{Path: dbPath, WALMode: tt.wal, BusyTimeout: 1})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer db.Close() //nolint:errcheck // test cleanup

			if db.Dialect() != DialectSQLite {
				t.Errorf("Dialect() = %v, want sqlite", db.Dialect())
			}
			if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
				t.Errorf("database directory missing: %v", err)
			}

			var mode string
			if err := db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
				t.Fatalf("reading journal_mode: %v", err)
			}
			if tt.wal && mode != "wal" {
				t.Errorf("journal_mode = %q, want wal", mode)
			}
			if !tt.wal && mode == "wal" {
				t.Errorf("journal_mode = wal without WALMode")
			}
		})
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"unknown driver", Config{Driver: "mysql"}, ErrUnknownDriver},
		{"postgres without dsn", Config{Driver: "postgres"}, ErrMissingDSN},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSQLiteEnforcesForeignKeys(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var on int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on); err != nil {
		t.Fatalf("reading foreign_keys: %v", err)
	}
	if on != 1 {
		t.Errorf("foreign_keys = %d, want 1", on)
	}
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() after Close succeeded")
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	db := &DB{}
	if err := db.Close(); err != nil {
		t.Errorf("Close() on empty DB error = %v", err)
	}
}

func TestQueriesUsePortablePlaceholders(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx,
		`CREATE TABLE placeholder_meters (meter_number TEXT PRIMARY KEY, is_online INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, name := range []string{"meter1", "meter2"} {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO placeholder_meters (meter_number, is_online) VALUES (?, ?)
			 ON CONFLICT (meter_number) DO UPDATE SET is_online = excluded.is_online`, name, 1); err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
	}
	if _, err := db.ExecContext(ctx, `UPDATE placeholder_meters SET is_online = ? WHERE meter_number = ?`, 0, "meter2"); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT meter_number FROM placeholder_meters WHERE is_online = ? ORDER BY meter_number`, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	var online []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		online = append(online, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(online) != 1 || online[0] != "meter1" {
		t.Errorf("online meters = %v, want [meter1]", online)
	}
}

func TestExecContextWrapsErrors(t *testing.T) {
	db := openTestDB(t)
	_, err := db.ExecContext(context.Background(), "INSERT INTO missing_table (x) VALUES (?)", 1)
	if err == nil {
		t.Fatal("ExecContext() on missing table succeeded")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{"sqlite unchanged", DialectSQLite,
			"UPDATE power_meters SET is_online = ? WHERE meter_number = ?",
			"UPDATE power_meters SET is_online = ? WHERE meter_number = ?"},
		{"postgres numbered", DialectPostgres,
			"UPDATE power_meters SET is_online = ?, updated_at = ? WHERE meter_number = ?",
			"UPDATE power_meters SET is_online = $1, updated_at = $2 WHERE meter_number = $3"},
		{"postgres without args", DialectPostgres, "SELECT 1", "SELECT 1"},
		{"postgres past nine", DialectPostgres,
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Rebind(tt.query); got != tt.want {
				t.Errorf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDialectString(t *testing.T) {
	if got := DialectSQLite.String(); got != "sqlite" {
		t.Errorf("sqlite String() = %q", got)
	}
	if got := DialectPostgres.String(); got != "postgres" {
		t.Errorf("postgres String() = %q", got)
	}
}

// openTestDB opens a temp-dir SQLite database closed at test end.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "devicesync.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return db
}
