// Package lockfile guards a record data directory against a second writer process.
//
// The record store serializes writers per store inside one process. Two
// processes rewriting the same JSON documents would still race, so the file
// backend takes an flock on the directory for as long as it is open. The lock
// is released by the kernel when the process exits, gracefully or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the data directory
const LockFileName = "personapipe.lock"

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes an exclusive, non-blocking lock on dataDir. If another
// process holds it, the returned *LockError describes the holder.
func AcquireLock(dataDir string) (*Lock, error) {
	lockPath := filepath.Join(dataDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("lockfile.AcquireLock: cannot create data directory", "error", err, "data_dir", dataDir)
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	// O_TRUNC would wipe the holder's pid before we know whether we win.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		slog.Error("lockfile.AcquireLock: cannot open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(lockPath)
		slog.Error("lockfile.AcquireLock: data directory is locked", "error", err, "lock_path", lockPath, "holder", holder)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		slog.Error("lockfile.AcquireLock: cannot record holder", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: data directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// writeHolder replaces the lock file content with our pid and start time.
func writeHolder(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	info := fmt.Sprintf("pid=%d\nsince=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	// Remove while still holding the lock so a waiting process never sees a
	// file we are about to delete.
	if err := os.Remove(l.path); err != nil {
		slog.Warn("lockfile.Release: cannot remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: unlock failed", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()

	l.acquired = false
	l.file = nil
	slog.Info("lockfile.Release: data directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports a data directory held by another process
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "data directory is in use by another PersonaPipe process (lock file: %s", e.LockPath)
	if e.Holder != "" {
		fmt.Fprintf(&b, ", holder: %s", e.Holder)
	}
	b.WriteString("); remove the lock file only if that process is gone")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readHolder describes the process recorded in an existing lock file.
func readHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown"
	}
	pid := extractPID(string(data))
	if pid <= 0 {
		return "unknown"
	}
	if isProcessRunning(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running - stale lock)", pid)
}

// extractPID pulls the value of a "pid=NNNN" line.
func extractPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
