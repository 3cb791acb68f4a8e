// Package store provides the record store backends for PersonaPipe.
//
// A store holds one JSON document per store id. Every mutation rewrites the
// complete document, so a failed write never leaves a truncated collection
// behind. Backends: files on an afero filesystem, SQLite, PostgreSQL, and an
// in-memory map for tests.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/spf13/afero"
)

// RecordStore is the key-addressed record store used by the task tracker.
type RecordStore interface {
	// Load returns the current collection for the store. A store without a
	// persisted document yields an empty collection of the declared shape.
	Load(ctx context.Context, storeID string) (*models.Collection, error)

	// Lookup returns the first record whose key matches.
	Lookup(ctx context.Context, storeID, key string) (models.Record, error)

	// Latest returns the most recently appended record.
	Latest(ctx context.Context, storeID string) (models.Record, error)

	// Append adds a record at the end of the collection.
	Append(ctx context.Context, storeID string, record models.Record) error

	// Update applies mutate to the record matching key and persists the result.
	// mutate runs again on the fresh record when another writer changed the
	// collection in between, so it must only depend on its argument.
	Update(ctx context.Context, storeID, key string, mutate func(models.Record) error) (models.Record, error)

	// Provision replaces the whole collection. It is how out-of-band seeded
	// stores (fraud cases, catalogs) come into existence.
	Provision(ctx context.Context, storeID string, records []models.Record) error

	// Definition returns the declared layout of a store.
	Definition(storeID string) (Definition, bool)

	Close() error
}

var storeIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Definition declares the layout of one store.
type Definition struct {
	ID    string       `yaml:"id" json:"id"`
	Shape models.Shape `yaml:"shape" json:"shape"`
	// Field names the array inside an object document, e.g. "users".
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// KeyField names the unique key of a keyed store. Empty for append-only stores.
	KeyField            string `yaml:"key_field,omitempty" json:"key_field,omitempty"`
	CaseInsensitiveKeys bool   `yaml:"case_insensitive_keys,omitempty" json:"case_insensitive_keys,omitempty"`
	// MustExist marks stores that are provisioned out-of-band. Reading one
	// without a document is ErrStoreNotProvisioned rather than empty.
	MustExist bool `yaml:"must_exist,omitempty" json:"must_exist,omitempty"`
}

// Keyed reports whether records are addressed by a unique key.
func (d Definition) Keyed() bool {
	return d.KeyField != ""
}

// Validate checks that the definition is usable.
func (d Definition) Validate() error {
	if !storeIDPattern.MatchString(d.ID) {
		return fmt.Errorf("invalid store id %q", d.ID)
	}
	if !d.Shape.IsValid() {
		return fmt.Errorf("store %s: invalid shape %q", d.ID, d.Shape)
	}
	if d.Shape == models.ShapeObject && d.Field == "" {
		return fmt.Errorf("store %s: object shape requires a field name", d.ID)
	}
	if d.Shape == models.ShapeArray && d.Field != "" {
		return fmt.Errorf("store %s: array shape cannot have a field name", d.ID)
	}
	return nil
}

// emptyCollection returns an empty collection of the declared shape.
func (d Definition) emptyCollection() *models.Collection {
	return &models.Collection{
		StoreID: d.ID,
		Shape:   d.Shape,
		Field:   d.Field,
		Records: []models.Record{},
	}
}

// keyMatches compares a stored key with a requested one.
func (d Definition) keyMatches(stored, requested string) bool {
	if d.CaseInsensitiveKeys {
		return strings.EqualFold(strings.TrimSpace(stored), strings.TrimSpace(requested))
	}
	return stored == requested
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// indexOf returns the position of the first record matching key, or -1.
func (d Definition) indexOf(c *models.Collection, key string) int {
	for i, r := range c.Records {
		if stored, ok := r.KeyString(d.KeyField); ok && d.keyMatches(stored, key) {
			return i
		}
	}
	return -1
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN     string   // database connection string or SQLite file path
	Dir     string   // directory for the file backend
	Fs      afero.Fs // filesystem for the file backend; defaults to the OS
	LockDir bool     // hold an exclusive lock on Dir while the store is open
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDir sets the directory holding one JSON document per store.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithFs sets the filesystem used by the file backend.
func WithFs(fs afero.Fs) Option {
	return func(o *Opts) { o.Fs = fs }
}

// WithDirLock makes the file backend hold an exclusive process lock on its
// directory until Close.
func WithDirLock() Option {
	return func(o *Opts) { o.LockDir = true }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Open picks a backend from the options: a DSN selects PostgreSQL or SQLite,
// a directory selects the file backend, and nothing selects memory.
func Open(defs []Definition, opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN != "" && DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(defs, opts...)
	case cfg.DSN != "":
		return NewSQLiteStore(defs, opts...)
	case cfg.Dir != "":
		return NewFileStore(defs, opts...)
	default:
		return NewInMemoryStore(defs)
	}
}
