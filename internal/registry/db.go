// Package registry persists device and port state across daemon
// restarts. Uses pure-Go SQLite (modernc.org/sqlite), no cgo required.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database for virtlab registry storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps status reads cheap while devices write state changes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL,
			name        TEXT NOT NULL,
			backend     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'stopped',
			console     INTEGER NOT NULL DEFAULT 0,
			console_type TEXT NOT NULL DEFAULT 'telnet',
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS port_reservations (
			port        INTEGER NOT NULL,
			protocol    TEXT NOT NULL,
			project_id  TEXT NOT NULL,
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (port, protocol)
		);
	`)
	return err
}
