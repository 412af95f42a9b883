package sqlite

import (
	"database/sql"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4/database"
)

// migrationsTable tracks the applied schema version.
const migrationsTable = "schema_migrations"

// migrationDriver adapts the already-open connection to golang-migrate's
// database driver interface. The stock sqlite drivers that ship with
// golang-migrate pull in a second database/sql driver registered under the
// name "sqlite3", which collides at init with the driver this package uses;
// driving migrations over our own connection avoids that entirely.
type migrationDriver struct {
	db *sql.DB
}

func newMigrationDriver(db *sql.DB) (*migrationDriver, error) {
	d := &migrationDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *migrationDriver) ensureVersionTable() error {
	query := `CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (
		version BIGINT NOT NULL,
		dirty BOOLEAN NOT NULL
	)`
	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("creating %s: %w", migrationsTable, err)
	}
	return nil
}

// Open is only used by URL-based construction, which this driver does not
// support; it exists instance-bound via migrate.NewWithInstance.
func (d *migrationDriver) Open(string) (database.Driver, error) {
	return nil, fmt.Errorf("sqlite migration driver is instance-bound")
}

// Close is a no-op; the connection is owned by DB.
func (d *migrationDriver) Close() error { return nil }

// Lock and Unlock are no-ops: one process owns the database file and the
// busy_timeout pragma serializes any stray writer.
func (d *migrationDriver) Lock() error   { return nil }
func (d *migrationDriver) Unlock() error { return nil }

// Run applies one migration file. Migration files may hold several
// statements; the driver executes them all in one Exec.
func (d *migrationDriver) Run(migration io.Reader) error {
	statements, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := d.db.Exec(string(statements)); err != nil {
		return fmt.Errorf("applying migration: %w", err)
	}
	return nil
}

func (d *migrationDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning version update: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM ` + migrationsTable); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clearing %s: %w", migrationsTable, err)
	}
	// NilVersion means no migration has been applied; the table stays empty.
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO `+migrationsTable+` (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording version %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing version update: %w", err)
	}
	return nil
}

func (d *migrationDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM ` + migrationsTable + ` LIMIT 1`).Scan(&version, &dirty)
	switch {
	case err == sql.ErrNoRows:
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// Drop removes every application table. Only the migrate tooling calls this.
func (d *migrationDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("listing tables: %w", err)
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS "` + table + `"`); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	return nil
}
