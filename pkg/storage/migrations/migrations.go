// Package migrations holds the embedded event store schema and applies it
// with golang-migrate for both supported drivers.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Status describes the schema version of a database.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Pending reports whether migrations remain to be applied.
func (s Status) Pending() bool {
	return s.Current < s.Latest
}

// MigrateUp runs all pending migrations.
func MigrateUp(db *sql.DB, driver string) error {
	m, err := newMigrate(db, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close db, which the caller owns

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// GetStatus reports the current and latest schema versions.
func GetStatus(db *sql.DB, driver string) (Status, error) {
	m, err := newMigrate(db, driver)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	var st Status
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return Status{}, fmt.Errorf("failed to get database version: %w", err)
	default:
		st.Current, st.Dirty = version, dirty
	}

	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return Status{}, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()

	if st.Latest, err = latestVersion(src); err != nil {
		return Status{}, fmt.Errorf("failed to determine latest version: %w", err)
	}
	return st, nil
}

// CheckStatus returns nil when the schema is at the latest version.
func CheckStatus(db *sql.DB, driver string) error {
	st, err := GetStatus(db, driver)
	if err != nil {
		return err
	}
	if st.Dirty {
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", st.Current)
	}
	if st.Current == 0 {
		return fmt.Errorf("database has no schema version (needs migration)")
	}
	if st.Current < st.Latest {
		return fmt.Errorf("database is at version %d but latest is %d", st.Current, st.Latest)
	}
	if st.Current > st.Latest {
		return fmt.Errorf("database version %d is ahead of binary version %d", st.Current, st.Latest)
	}
	return nil
}

func newMigrate(db *sql.DB, driver string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	var dbDriver database.Driver
	switch driver {
	case DriverSQLite:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case DriverPostgres:
		dbDriver, err = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	default:
		err = fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			break
		}
		version = next
	}
	return version, nil
}
