package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, WithOwner("sqlite3"))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(dir, DefaultFileName)
	if lock.Path() != lockPath {
		t.Errorf("Path() = %q, want %q", lock.Path(), lockPath)
	}
	content, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info := parseLockInfo(string(content))
	if info["pid"] != fmt.Sprint(os.Getpid()) {
		t.Errorf("pid = %q, want %d", info["pid"], os.Getpid())
	}
	if info["owner"] != "sqlite3" {
		t.Errorf("owner = %q", info["owner"])
	}
	if info["started"] == "" {
		t.Error("expected a start time")
	}
}

func TestLockConflictKeepsHolderInfo(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir, WithOwner("file"))
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		t.Errorf("expected EWOULDBLOCK cause, got %v", lockErr.Cause)
	}
	want := fmt.Sprintf("PID %d (running)", os.Getpid())
	if !strings.HasPrefix(lockErr.Holder, want) || !strings.Contains(lockErr.Holder, "owner file") {
		t.Errorf("Holder = %q, want prefix %q and owner", lockErr.Holder, want)
	}
	if msg := err.Error(); !strings.Contains(msg, "another AnonRelay instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultFileName)); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	lock2.Release()
}

func TestStaleLockFileIsReused(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.lock")
	if err := os.WriteFile(path, []byte("pid=999999999\nstarted=old\nowner=left-over-garbage-longer-than-new-info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := AcquireLock(dir, WithFileName("custom.lock"))
	if err != nil {
		t.Fatalf("stale lock file should not block: %v", err)
	}
	defer lock.Release()
	content, _ := os.ReadFile(path)
	if strings.Contains(string(content), "garbage") {
		t.Errorf("old contents not truncated: %q", content)
	}
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}

func TestParseLockInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     string
	}{
		{"valid pid", "pid=12345\n", "12345"},
		{"pid with extra content", "pid=67890\nother=info", "67890"},
		{"no pid", "other=info", ""},
		{"empty content", "", ""},
		{"no equals", "pid12345", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLockInfo(tt.content)["pid"]; got != tt.pid {
				t.Errorf("parseLockInfo(%q)[pid] = %q, want %q", tt.content, got, tt.pid)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
}
