package db

import (
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx driver
	_ "github.com/golang-migrate/migrate/v4/source/file"     // file:// source
)

// RunMigrations applies all pending migrations from migrationsPath.
// Already-applied versions are skipped; a dirty database is surfaced as an
// error rather than repaired.
func RunMigrations(config Config, migrationsPath string) error {
	u := config.URL()
	// golang-migrate selects the pgx/v5 driver by URL scheme.
	m, err := migrate.New("file://"+migrationsPath, "pgx5://"+u[len("postgres://"):])
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No pending migrations")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Println("Migrations applied")
	return nil
}
