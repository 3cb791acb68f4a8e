package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"golang.org/x/sync/singleflight"
)

// Document versions. A store id that was never written has version
// noDocument; writing with base anyVersion replaces whatever is stored.
const (
	noDocument int64 = 0
	anyVersion int64 = -1
)

// maxWriteAttempts bounds how often a mutation is replayed after another
// writer changed the document underneath it.
const maxWriteAttempts = 5

// errStaleDocument is returned by writeDocument when the stored version no
// longer matches the base the new document was built from.
var errStaleDocument = errors.New("document changed since it was read")

// backend persists whole documents. Implementations must make writeDocument
// all-or-nothing: either the previous document or the new one is visible
// afterwards, never a mix. writeDocument only succeeds when the stored
// version still equals base and returns the new version.
type backend interface {
	readDocument(ctx context.Context, storeID string) (data []byte, version int64, err error)
	writeDocument(ctx context.Context, storeID string, data []byte, base int64) (int64, error)
	location(storeID string) string
	kind() string
	close() error
}

// versionProber is implemented by backends that other processes can write
// to. The store compares the stored version with its cached copy before
// serving from the cache.
type versionProber interface {
	documentVersion(ctx context.Context, storeID string) (int64, error)
}

// cachedCollection is a loaded collection and the version it was read at.
type cachedCollection struct {
	c       *models.Collection
	version int64
}

// Store implements RecordStore on top of a document backend.
//
// Collections are held in memory once loaded. Mutations for a store id run
// under that id's write lock covering the whole load-modify-write sequence,
// and the cached copy is replaced only after the backend write succeeded.
// Writes are conditional on the version the collection was loaded at, so a
// write racing another process is replayed against the fresh document
// instead of overwriting it.
type Store struct {
	backend backend
	defs    map[string]Definition

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	cacheMu sync.Mutex
	cache   map[string]cachedCollection

	loads singleflight.Group
}

func newStore(b backend, defs []Definition) (*Store, error) {
	s := &Store{
		backend: b,
		defs:    make(map[string]Definition, len(defs)),
		locks:   make(map[string]*sync.RWMutex),
		cache:   make(map[string]cachedCollection),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.defs[d.ID]; dup {
			return nil, fmt.Errorf("store %s declared twice", d.ID)
		}
		s.defs[d.ID] = d
	}
	slog.Debug("Store.newStore: store ready", "backend", b.kind(), "stores", len(s.defs))
	return s, nil
}

// Definition returns the declared layout of a store.
func (s *Store) Definition(storeID string) (Definition, bool) {
	d, ok := s.defs[storeID]
	return d, ok
}

// Definitions lists all declared stores ordered by id.
func (s *Store) Definitions() []Definition {
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) definition(storeID string) (Definition, error) {
	d, ok := s.defs[storeID]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownStore, storeID)
	}
	return d, nil
}

func (s *Store) lockFor(storeID string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[storeID]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[storeID] = l
	}
	return l
}

func (s *Store) cached(storeID string) (cachedCollection, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	e, ok := s.cache[storeID]
	return e, ok
}

func (s *Store) setCached(storeID string, c *models.Collection, version int64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[storeID] = cachedCollection{c: c, version: version}
}

func (s *Store) dropCached(storeID string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, storeID)
}

// fresh reports whether the cached version is still the stored one.
func (s *Store) fresh(ctx context.Context, storeID string, version int64) (bool, error) {
	p, ok := s.backend.(versionProber)
	if !ok {
		return true, nil
	}
	stored, err := p.documentVersion(ctx, storeID)
	if err != nil {
		slog.Error("Store.fresh: version check failed", "error", err, "store", storeID, "backend", s.backend.kind())
		return false, fmt.Errorf("failed to check collection %s: %w", storeID, err)
	}
	return stored == version, nil
}

// current returns the cached collection and its version, reading it from the
// backend on first use or when another writer moved the stored document on.
// Callers must hold the store's read or write lock. The returned collection
// is shared and must not be modified.
func (s *Store) current(ctx context.Context, def Definition) (*models.Collection, int64, error) {
	if e, ok := s.cached(def.ID); ok {
		fresh, err := s.fresh(ctx, def.ID, e.version)
		if err != nil {
			return nil, 0, err
		}
		if fresh {
			return e.c, e.version, nil
		}
		slog.Debug("Store.current: collection changed by another writer, reloading", "store", def.ID, "cachedVersion", e.version)
		s.dropCached(def.ID)
	}
	v, err, _ := s.loads.Do(def.ID, func() (any, error) {
		if e, ok := s.cached(def.ID); ok {
			return e, nil
		}
		data, version, err := s.backend.readDocument(ctx, def.ID)
		if err != nil {
			slog.Error("Store.current: read failed", "error", err, "store", def.ID, "backend", s.backend.kind())
			return nil, fmt.Errorf("failed to read collection %s: %w", def.ID, err)
		}
		if version == noDocument {
			if def.MustExist {
				slog.Debug("Store.current: store not provisioned", "store", def.ID)
				return nil, fmt.Errorf("%w: %s", ErrStoreNotProvisioned, def.ID)
			}
			c := def.emptyCollection()
			s.setCached(def.ID, c, noDocument)
			slog.Debug("Store.current: no document, using empty collection", "store", def.ID)
			return cachedCollection{c: c, version: noDocument}, nil
		}
		c, err := decodeCollection(def, s.backend.location(def.ID), data)
		if err != nil {
			slog.Error("Store.current: decode failed", "error", err, "store", def.ID)
			return nil, err
		}
		s.setCached(def.ID, c, version)
		slog.Debug("Store.current: collection loaded", "store", def.ID, "count", len(c.Records), "version", version)
		return cachedCollection{c: c, version: version}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	e := v.(cachedCollection)
	return e.c, e.version, nil
}

// commit writes next as the complete document over base and publishes it to
// the cache.
func (s *Store) commit(ctx context.Context, def Definition, next *models.Collection, base int64) error {
	data, err := encodeCollection(def, next)
	if err != nil {
		return err
	}
	version, err := s.backend.writeDocument(ctx, def.ID, data, base)
	if err != nil {
		if !errors.Is(err, errStaleDocument) {
			slog.Error("Store.commit: write failed", "error", err, "store", def.ID, "backend", s.backend.kind())
		}
		return fmt.Errorf("failed to write collection %s: %w", def.ID, err)
	}
	s.setCached(def.ID, next, version)
	return nil
}

// mutate runs a load-modify-write cycle. build derives the next collection
// from the current one; when the write finds the document changed, the cache
// is dropped and build runs again on the fresh document. Callers must hold
// the store's write lock.
func (s *Store) mutate(ctx context.Context, def Definition, build func(c *models.Collection) (*models.Collection, error)) error {
	for attempt := 1; ; attempt++ {
		c, version, err := s.current(ctx, def)
		if err != nil {
			return err
		}
		next, err := build(c)
		if err != nil {
			return err
		}
		err = s.commit(ctx, def, next, version)
		if !errors.Is(err, errStaleDocument) {
			return err
		}
		s.dropCached(def.ID)
		if attempt == maxWriteAttempts {
			slog.Error("Store.mutate: giving up after concurrent writes", "store", def.ID, "attempts", attempt)
			return fmt.Errorf("%w: %s after %d attempts", ErrWriteConflict, def.ID, attempt)
		}
		slog.Warn("Store.mutate: collection changed by another writer, retrying", "store", def.ID, "attempt", attempt)
	}
}

// withRecords returns a shallow copy of c holding records. Cached records are
// never modified in place, so sharing them is safe.
func withRecords(c *models.Collection, records []models.Record) *models.Collection {
	return &models.Collection{
		StoreID: c.StoreID,
		Shape:   c.Shape,
		Field:   c.Field,
		Records: records,
		Extra:   c.Extra,
	}
}

// Load returns a copy of the current collection.
func (s *Store) Load(ctx context.Context, storeID string) (*models.Collection, error) {
	def, err := s.definition(storeID)
	if err != nil {
		return nil, err
	}
	l := s.lockFor(storeID)
	l.RLock()
	defer l.RUnlock()

	c, _, err := s.current(ctx, def)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Lookup scans a keyed store for the first record matching key.
func (s *Store) Lookup(ctx context.Context, storeID, key string) (models.Record, error) {
	def, err := s.definition(storeID)
	if err != nil {
		return nil, err
	}
	if !def.Keyed() {
		return nil, fmt.Errorf("%w: %s", ErrNotKeyed, storeID)
	}
	l := s.lockFor(storeID)
	l.RLock()
	defer l.RUnlock()

	c, _, err := s.current(ctx, def)
	if err != nil {
		return nil, err
	}
	idx := def.indexOf(c, key)
	if idx < 0 {
		slog.Debug("Store.Lookup: no match", "store", storeID, "key", key)
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, key, storeID)
	}
	return c.Records[idx].Clone(), nil
}

// Latest returns the last record of the collection.
func (s *Store) Latest(ctx context.Context, storeID string) (models.Record, error) {
	def, err := s.definition(storeID)
	if err != nil {
		return nil, err
	}
	l := s.lockFor(storeID)
	l.RLock()
	defer l.RUnlock()

	c, _, err := s.current(ctx, def)
	if err != nil {
		return nil, err
	}
	if len(c.Records) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotFound, storeID)
	}
	return c.Records[len(c.Records)-1].Clone(), nil
}

// Append adds record at the end of the collection and rewrites the document.
func (s *Store) Append(ctx context.Context, storeID string, record models.Record) error {
	def, err := s.definition(storeID)
	if err != nil {
		return err
	}
	rec, err := models.Normalize(record)
	if err != nil {
		return err
	}
	var key string
	if def.Keyed() {
		k, ok := rec.KeyString(def.KeyField)
		if !ok || k == "" {
			return fmt.Errorf("%w: %s requires %q", ErrMissingKey, storeID, def.KeyField)
		}
		key = k
	}

	l := s.lockFor(storeID)
	l.Lock()
	defer l.Unlock()

	var count int
	err = s.mutate(ctx, def, func(c *models.Collection) (*models.Collection, error) {
		if def.Keyed() && def.indexOf(c, key) >= 0 {
			return nil, fmt.Errorf("%w: %s in %s", ErrDuplicateKey, key, storeID)
		}
		records := make([]models.Record, 0, len(c.Records)+1)
		records = append(records, c.Records...)
		records = append(records, rec)
		count = len(records)
		return withRecords(c, records), nil
	})
	if err != nil {
		return err
	}
	slog.Debug("Store.Append: record appended", "store", storeID, "count", count)
	return nil
}

// Update locates the record matching key, applies mutate to a copy and
// rewrites the document. NotFound, a failing mutator or a changed key leave
// the store untouched. When another writer changed the document first,
// mutate runs again on the fresh record.
func (s *Store) Update(ctx context.Context, storeID, key string, mutate func(models.Record) error) (models.Record, error) {
	def, err := s.definition(storeID)
	if err != nil {
		return nil, err
	}
	if !def.Keyed() {
		return nil, fmt.Errorf("%w: %s", ErrNotKeyed, storeID)
	}

	l := s.lockFor(storeID)
	l.Lock()
	defer l.Unlock()

	var updated models.Record
	err = s.mutate(ctx, def, func(c *models.Collection) (*models.Collection, error) {
		idx := def.indexOf(c, key)
		if idx < 0 {
			slog.Debug("Store.Update: no match, nothing written", "store", storeID, "key", key)
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, key, storeID)
		}

		original := c.Records[idx]
		working := original.Clone()
		if err := mutate(working); err != nil {
			return nil, fmt.Errorf("update of %s in %s rejected: %w", key, storeID, err)
		}
		next, err := models.Normalize(working)
		if err != nil {
			return nil, err
		}
		before, _ := original.KeyString(def.KeyField)
		after, ok := next.KeyString(def.KeyField)
		if !ok || after != before {
			return nil, fmt.Errorf("%w: %s in %s", ErrKeyChanged, key, storeID)
		}

		records := make([]models.Record, len(c.Records))
		copy(records, c.Records)
		records[idx] = next
		updated = next
		return withRecords(c, records), nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Store.Update: record updated", "store", storeID, "key", key)
	return updated.Clone(), nil
}

// Provision replaces the collection with records, whatever is stored. Keys
// must be unique.
func (s *Store) Provision(ctx context.Context, storeID string, records []models.Record) error {
	def, err := s.definition(storeID)
	if err != nil {
		return err
	}

	next := def.emptyCollection()
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		rec, err := models.Normalize(r)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if def.Keyed() {
			key, ok := rec.KeyString(def.KeyField)
			if !ok || key == "" {
				return fmt.Errorf("record %d: %w: %s requires %q", i, ErrMissingKey, storeID, def.KeyField)
			}
			norm := key
			if def.CaseInsensitiveKeys {
				norm = normalizeKey(key)
			}
			if seen[norm] {
				return fmt.Errorf("record %d: %w: %s", i, ErrDuplicateKey, key)
			}
			seen[norm] = true
		}
		next.Records = append(next.Records, rec)
	}

	l := s.lockFor(storeID)
	l.Lock()
	defer l.Unlock()

	if err := s.commit(ctx, def, next, anyVersion); err != nil {
		return err
	}
	slog.Info("Store.Provision: collection provisioned", "store", storeID, "count", len(next.Records))
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	slog.Debug("Store.Close: closing", "backend", s.backend.kind())
	return s.backend.close()
}
