// Package migrations embeds the meter store schema into the binary.
package migrations

import (
	"embed"

	"github.com/Jelling-test/flytining/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
