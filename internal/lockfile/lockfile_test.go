package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLockRecordsHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}

	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("failed to read lock file: %v", err)
	}
	if !strings.HasPrefix(string(content), fmt.Sprintf("pid=%d\n", os.Getpid())) {
		t.Errorf("lock file should start with our pid, got %q", string(content))
	}
	if !strings.Contains(string(content), "since=") {
		t.Errorf("lock file should record the start time, got %q", string(content))
	}
}

func TestSecondAcquireFailsWithLockError(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("PID %d (running)", os.Getpid())) {
		t.Errorf("holder should name the running process, got %q", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("error should contain the lock path: %s", err.Error())
	}

	// The failed attempt must not have wiped the holder information.
	content, _ := os.ReadFile(first.Path())
	if !strings.Contains(string(content), "pid=") {
		t.Errorf("holder information lost after failed acquisition: %q", string(content))
	}
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	path := lock.Path()

	if err := lock.Release(); err != nil {
		t.Errorf("release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release: %s", path)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second release should be a no-op: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("failed to reacquire after release: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "records")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("should create directory and lock it: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory should exist: %v", err)
	}
}

func TestExtractPID(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected int
	}{
		{"valid pid", "pid=12345\n", 12345},
		{"pid with since line", "pid=67890\nsince=2026-01-01T00:00:00Z\n", 67890},
		{"pid after other line", "since=x\npid=42\n", 42},
		{"no pid", "other=info", 0},
		{"empty content", "", 0},
		{"invalid pid", "pid=abc", 0},
		{"no equals", "pid12345", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPID(tt.content); got != tt.expected {
				t.Errorf("extractPID(%q) = %d, want %d", tt.content, got, tt.expected)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("our own process should be detected as running")
	}
}
