// Package migrations applies the auction schema from SQL files embedded in
// the binary.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run brings the schema on db up to the latest embedded version and returns
// that version.
func Run(db *sql.DB, logger *slog.Logger) (uint, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newMigrate(db)
	if err != nil {
		return 0, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	if dirty {
		return version, fmt.Errorf("%w: schema version %d is dirty", ErrMigrationFailed, version)
	}

	logger.Info("schema up to date", "version", version)
	return version, nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDriverCreation, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceCreation, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMigrateInstance, err)
	}
	return m, nil
}
