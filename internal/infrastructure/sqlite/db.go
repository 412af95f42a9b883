// Package sqlite provides the embedded local store for the orchestrator:
// jobs, sessions, timers, and the redacted message log.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/concierge/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite connection and owns schema migrations.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if necessary) the database at path, enables WAL and
// foreign keys, and runs any pending migrations.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	log.Debug(log.CatDB, "Opening database", "path", path)
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// WAL for concurrent readers during the timer tick; FKs for session->job.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info(log.CatDB, "Database ready", "path", path)
	return db, nil
}

// migrate applies embedded migrations in order.
func (d *DB) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	driver, err := newMigrationDriver(d.conn)
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Conn exposes the underlying connection for repositories.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Jobs returns the job repository.
func (d *DB) Jobs() *JobRepository {
	return &JobRepository{db: d.conn}
}

// Sessions returns the session repository.
func (d *DB) Sessions() *SessionRepository {
	return &SessionRepository{db: d.conn}
}

// Timers returns the timer repository.
func (d *DB) Timers() *TimerRepository {
	return &TimerRepository{db: d.conn}
}

// Messages returns the message log repository.
func (d *DB) Messages() *MessageLogRepository {
	return &MessageLogRepository{db: d.conn}
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
