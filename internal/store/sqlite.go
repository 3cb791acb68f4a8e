package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var sqliteDialect = sqlDialect{
	name:         "sqlite",
	driver:       "sqlite3",
	migrations:   sqliteMigrations,
	selectQuery:  `SELECT document, version FROM collections WHERE store_id = ?1`,
	versionQuery: `SELECT version FROM collections WHERE store_id = ?1`,
	insertQuery: `INSERT INTO collections (store_id, document, version, updated_at) VALUES (?1, ?2, 1, ?3)
		ON CONFLICT(store_id) DO NOTHING`,
	updateQuery: `UPDATE collections SET document = ?2, version = version + 1, updated_at = ?3
		WHERE store_id = ?1 AND version = ?4`,
	upsertQuery: `INSERT INTO collections (store_id, document, version, updated_at) VALUES (?1, ?2, 1, ?3)
		ON CONFLICT(store_id) DO UPDATE SET document = excluded.document,
			version = collections.version + 1, updated_at = excluded.updated_at
		RETURNING version`,
	// one writer per process; other processes wait on busy_timeout
	configure: func(db *sql.DB) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	},
}

// NewSQLiteStore creates a store backed by an SQLite database file.
// The DSN is a file path; its directory is created when missing.
func NewSQLiteStore(defs []Definition, opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.New: opening", "dsn", cfg.DSN)

	if cfg.DSN != "" {
		dir := filepath.Dir(cfg.DSN)
		if err := afero.NewOsFs().MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("SQLiteStore.New: failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return openSQLStore(sqliteDialect, cfg.DSN, defs)
}
