package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/oml-collect/oml/pkg/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// runMigrations brings handle's schema up to the latest bookkeeping-table
// version. Called once per database file, right after it's opened.
func runMigrations(handle *sql.DB) error {
	driver, err := sqlite3.WithInstance(handle, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migration init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlite: migrate up: %w", err)
	}
	log.Debugf("sqlite: bookkeeping schema up to date")
	return nil
}
