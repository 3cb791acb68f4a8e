package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/PersonaPipe/internal/lockfile"
	"github.com/spf13/afero"
)

// DefaultDirPermissions defines the default permissions for record directories
const DefaultDirPermissions = 0o755

// DefaultFilePermissions defines the permissions of written documents
const DefaultFilePermissions = 0o644

// fileBackend stores each collection as <dir>/<storeID>.json. Versions are
// not persisted: an existing document reads as version 1 and base versions
// are not checked. WithDirLock keeps other processes out of the directory.
type fileBackend struct {
	fs   afero.Fs
	dir  string
	lock *lockfile.Lock
}

// NewFileStore creates a store keeping one JSON document per store id in a
// directory. The directory is created when missing.
func NewFileStore(defs []Definition, opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewFileStore invoked", "dir", cfg.Dir, "custom_fs", cfg.Fs != nil, "lock", cfg.LockDir)

	if cfg.Dir == "" {
		slog.Error("FileStore directory not set")
		return nil, fmt.Errorf("record directory not set")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(cfg.Dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create record directory", "error", err, "dir", cfg.Dir)
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	b := &fileBackend{fs: fs, dir: cfg.Dir}
	if cfg.LockDir {
		if _, isOS := fs.(*afero.OsFs); !isOS {
			return nil, fmt.Errorf("directory lock requires the OS filesystem")
		}
		lock, err := lockfile.AcquireLock(cfg.Dir)
		if err != nil {
			return nil, err
		}
		b.lock = lock
	}

	s, err := newStore(b, defs)
	if err != nil {
		b.close()
		return nil, err
	}
	return s, nil
}

func (b *fileBackend) path(storeID string) string {
	return filepath.Join(b.dir, storeID+".json")
}

func (b *fileBackend) readDocument(_ context.Context, storeID string) ([]byte, int64, error) {
	data, err := afero.ReadFile(b.fs, b.path(storeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, noDocument, nil
		}
		return nil, noDocument, err
	}
	return data, 1, nil
}

// writeDocument writes to a temporary file in the same directory, syncs it
// and renames it over the target, so readers and crashes only ever observe a
// complete document.
func (b *fileBackend) writeDocument(_ context.Context, storeID string, data []byte, _ int64) (int64, error) {
	if err := b.replace(storeID, data); err != nil {
		return 0, err
	}
	return 1, nil
}

func (b *fileBackend) replace(storeID string, data []byte) error {
	tmp, err := afero.TempFile(b.fs, b.dir, "."+storeID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := b.fs.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("FileStore: failed to remove temporary file", "error", rmErr, "path", tmpName)
		}
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := b.fs.Chmod(tmpName, DefaultFilePermissions); err != nil {
		slog.Warn("FileStore: failed to set document permissions", "error", err, "path", tmpName)
	}
	if err := b.fs.Rename(tmpName, b.path(storeID)); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", b.path(storeID), err)
	}
	return nil
}

func (b *fileBackend) location(storeID string) string { return b.path(storeID) }

func (b *fileBackend) kind() string { return "file" }

func (b *fileBackend) close() error {
	if b.lock != nil {
		return b.lock.Release()
	}
	return nil
}
