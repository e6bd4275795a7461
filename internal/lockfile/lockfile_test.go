package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, lockName))
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("lock file = %q, want %q", content, want)
	}
}

func TestAcquireConflictNamesOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	if _, err := Acquire(dir); err == nil {
		t.Fatal("second acquire should fail while the first lock is held")
	} else if !strings.Contains(err.Error(), fmt.Sprintf("pid %d", os.Getpid())) {
		t.Errorf("error should name the owning pid: %v", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer again.Release()
}

func TestAcquireCreatesStateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory should exist: %v", err)
	}
}

func TestStaleLockFileDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	// A leftover file without a held flock, as after a crash.
	if err := os.WriteFile(filepath.Join(dir, lockName), []byte("pid=999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire over stale file: %v", err)
	}
	defer lock.Release()
}

func TestOwnerPID(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"recorded pid", "pid=12345\n", 12345},
		{"no prefix", "12345", 0},
		{"garbage", "pid=abc", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), lockName)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if got := ownerPID(path); got != tt.want {
				t.Errorf("ownerPID(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}
