// Package migrations embeds SQL migration files into the binary.
//
// The accessory cache, state history and audit schemas ship inside the executable,
// so a fresh host needs nothing but the configured database path.
package migrations

import (
	"embed"

	"github.com/nerrad567/shellbridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
