package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/storage/migrations"
)

var (
	driver     = flag.String("driver", migrations.DriverSQLite, "Database driver: sqlite3 or pgx")
	dsn        = flag.String("dsn", "/var/lib/anchor/events.db", "Database DSN (SQLite file path or Postgres URL)")
	dryRun     = flag.Bool("dry-run", false, "Show the schema status without applying migrations")
	backupPath = flag.String("backup", "", "SQLite backup path (default: <dsn>.backup)")
	logLevel   = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.Level(*logLevel)})

	if err := run(); err != nil {
		log.Logger.Fatal().Err(err).Msg("migration failed")
	}
}

func run() error {
	switch *driver {
	case migrations.DriverSQLite:
		if _, err := os.Stat(sqlitePath(*dsn)); os.IsNotExist(err) {
			return fmt.Errorf("database not found at %s", *dsn)
		}
	case migrations.DriverPostgres:
	default:
		return fmt.Errorf("unsupported driver %q", *driver)
	}

	db, err := sql.Open(*driver, *dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := migrations.GetStatus(db, *driver)
	if err != nil {
		return err
	}
	log.Logger.Info().
		Str("driver", *driver).
		Uint("current", st.Current).
		Uint("latest", st.Latest).
		Bool("dirty", st.Dirty).
		Msg("schema status")

	if st.Dirty {
		return fmt.Errorf("database is dirty at version %d; fix it manually before migrating", st.Current)
	}
	if !st.Pending() {
		log.Info("schema is up to date")
		return nil
	}
	if *dryRun {
		log.Logger.Info().
			Uint("from", st.Current).
			Uint("to", st.Latest).
			Msg("dry run: migrations would be applied")
		return nil
	}

	if *driver == migrations.DriverSQLite {
		backup := *backupPath
		if backup == "" {
			backup = sqlitePath(*dsn) + ".backup"
		}
		if err := copyFile(sqlitePath(*dsn), backup); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		log.Logger.Info().Str("path", backup).Msg("backup created")
	}

	if err := migrations.MigrateUp(db, *driver); err != nil {
		return err
	}
	if err := migrations.CheckStatus(db, *driver); err != nil {
		return err
	}
	log.Logger.Info().Uint("version", st.Latest).Msg("migration completed")
	return nil
}

// sqlitePath strips query parameters from a SQLite DSN
func sqlitePath(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	path, _, _ := strings.Cut(dsn, "?")
	return path
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
