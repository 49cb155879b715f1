package meter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Jelling-test/flytining/internal/infrastructure/database"
	_ "github.com/Jelling-test/flytining/migrations"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testDB opens a migrated SQLite database in a temp dir.
func testDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "meter-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func insertReading(t *testing.T, db *database.DB, table ReadingTable, id, meter string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO "+string(table)+" (id, meter_id, power, energy, recorded_at) VALUES (?, ?, 1.5, 10, ?)",
		id, meter, testNow.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("inserting reading: %v", err)
	}
}

func countReadings(t *testing.T, db *database.DB, table ReadingTable, meter string) int {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM "+string(table)+" WHERE meter_id = ?", meter).Scan(&n)
	if err != nil {
		t.Fatalf("counting readings: %v", err)
	}
	return n
}

func strPtr(s string) *string { return &s }
