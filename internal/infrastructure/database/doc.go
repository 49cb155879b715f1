// Package database provides the meter store connection.
//
// Two drivers are supported through database/sql:
//   - sqlite (mattn/go-sqlite3): single file, WAL mode, one writer
//   - postgres (jackc/pgx/v5 stdlib): the shared production store
//
// Queries are written once with ? placeholders; DB.ExecContext,
// QueryContext and QueryRowContext rebind them for the active dialect.
// Raw *sql.Tx statements must call Rebind explicitly.
//
// Usage:
//
//	db, err := database.Open(database.Config{Driver: "sqlite", Path: path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are embedded from the top-level migrations package, one
// .up.sql and .down.sql pair per version, and must stay portable between
// both dialects.
package database
