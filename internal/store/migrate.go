package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// Migrate applies the embedded migrations for the backend named by dsn.
// direction must be "up" or "down". Being already at the target version is not
// an error, and memory:// DSNs have no schema.
func Migrate(dsn, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	target, err := ParseDSN(dsn)
	if err != nil {
		return err
	}
	var dir, databaseURL string
	switch target.Kind {
	case KindMemory:
		return nil
	case KindPostgres:
		dir, databaseURL = "migrations/postgres", target.MigrateURL()
	case KindSQLite:
		dir, databaseURL = "migrations/sqlite", target.MigrateURL()
	}

	source, err := iofs.New(migrationFS, dir)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
