package store

import (
	"database/sql"
	_ "embed"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Connection pool limits for PostgreSQL.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresDialect = sqlDialect{
	name:         "postgres",
	driver:       "postgres",
	migrations:   postgresMigrations,
	selectQuery:  `SELECT document, version FROM collections WHERE store_id = $1`,
	versionQuery: `SELECT version FROM collections WHERE store_id = $1`,
	insertQuery: `INSERT INTO collections (store_id, document, version, updated_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (store_id) DO NOTHING`,
	updateQuery: `UPDATE collections SET document = $2, version = version + 1, updated_at = $3
		WHERE store_id = $1 AND version = $4`,
	upsertQuery: `INSERT INTO collections (store_id, document, version, updated_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (store_id) DO UPDATE SET document = EXCLUDED.document,
			version = collections.version + 1, updated_at = EXCLUDED.updated_at
		RETURNING version`,
	configure: func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	},
}

// NewPostgresStore creates a store keeping each collection document in a
// PostgreSQL row.
func NewPostgresStore(defs []Definition, opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.New: opening", "dsn_set", cfg.DSN != "")
	return openSQLStore(postgresDialect, cfg.DSN, defs)
}
