package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// sqlDialect describes how one database driver stores collection documents.
// Write statements take (store_id, document, updated_at) and the update also
// the expected version.
type sqlDialect struct {
	name         string // backend kind reported in logs and locations
	driver       string // database/sql driver name
	migrations   string
	selectQuery  string // document and version of one store id
	versionQuery string // version of one store id
	insertQuery  string // insert version 1 unless the row exists
	updateQuery  string // replace the document when the version matches
	upsertQuery  string // unconditional write returning the new version
	configure    func(*sql.DB)
}

// openSQLStore connects with d, applies its migrations and wraps the
// connection in a Store. The connection is closed on any failure.
func openSQLStore(d sqlDialect, dsn string, defs []Definition) (*Store, error) {
	if dsn == "" {
		slog.Error("SQLStore.open: DSN not set", "driver", d.driver)
		return nil, fmt.Errorf("database DSN not set")
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		slog.Error("SQLStore.open: failed to open connection", "driver", d.driver, "error", err)
		return nil, fmt.Errorf("failed to open %s connection: %w", d.driver, err)
	}
	if d.configure != nil {
		d.configure(db)
	}

	fail := func(msg string, err error) (*Store, error) {
		db.Close()
		slog.Error("SQLStore.open: "+msg, "driver", d.driver, "error", err)
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	if err := db.Ping(); err != nil {
		return fail("ping failed", err)
	}
	if _, err := db.Exec(d.migrations); err != nil {
		return fail("failed to run migrations", err)
	}
	slog.Debug("SQLStore.open: migrations applied", "driver", d.driver)

	s, err := newStore(&sqlBackend{db: db, dialect: d}, defs)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqlBackend keeps each collection document in one row of the collections
// table, next to a version bumped on every write. Writes are single
// statements conditional on the version the document was read at, so two
// processes sharing a database never overwrite each other's changes.
type sqlBackend struct {
	db      *sql.DB
	dialect sqlDialect
}

func (b *sqlBackend) readDocument(ctx context.Context, storeID string) ([]byte, int64, error) {
	var (
		doc     string
		version int64
	)
	err := b.db.QueryRowContext(ctx, b.dialect.selectQuery, storeID).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, noDocument, nil
	}
	if err != nil {
		return nil, noDocument, fmt.Errorf("failed to query collection %s: %w", storeID, err)
	}
	return []byte(doc), version, nil
}

func (b *sqlBackend) documentVersion(ctx context.Context, storeID string) (int64, error) {
	var version int64
	err := b.db.QueryRowContext(ctx, b.dialect.versionQuery, storeID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return noDocument, nil
	}
	if err != nil {
		return noDocument, fmt.Errorf("failed to query version of %s: %w", storeID, err)
	}
	return version, nil
}

func (b *sqlBackend) writeDocument(ctx context.Context, storeID string, data []byte, base int64) (int64, error) {
	now := time.Now().UTC()
	if base == anyVersion {
		var version int64
		if err := b.db.QueryRowContext(ctx, b.dialect.upsertQuery, storeID, string(data), now).Scan(&version); err != nil {
			return 0, fmt.Errorf("failed to upsert collection %s: %w", storeID, err)
		}
		return version, nil
	}

	var (
		res sql.Result
		err error
	)
	if base == noDocument {
		res, err = b.db.ExecContext(ctx, b.dialect.insertQuery, storeID, string(data), now)
	} else {
		res, err = b.db.ExecContext(ctx, b.dialect.updateQuery, storeID, string(data), now, base)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write collection %s: %w", storeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check write of %s: %w", storeID, err)
	}
	if n == 0 {
		slog.Debug("SQLStore.writeDocument: stored version moved on", "store", storeID, "base", base, "driver", b.dialect.driver)
		return 0, errStaleDocument
	}
	return base + 1, nil
}

func (b *sqlBackend) location(storeID string) string {
	return fmt.Sprintf("%s:collections[%s]", b.dialect.name, storeID)
}

func (b *sqlBackend) kind() string { return b.dialect.name }

func (b *sqlBackend) close() error {
	return b.db.Close()
}
