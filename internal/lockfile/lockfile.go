// Package lockfile guards the state directory against a second running
// instance.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockName = "fibi.lock"

// Lock is a held flock on the state directory's lock file. The kernel
// releases the flock when the owning process exits, so a crash never
// leaves the directory locked; the file itself may remain and only
// serves as a PID hint.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive non-blocking flock on <dir>/fibi.lock,
// creating dir as needed. When another process holds the lock the error
// names its PID if the lock file records one.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, lockName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := ownerPID(path)
		file.Close()
		if owner > 0 {
			return nil, fmt.Errorf("state directory %s is locked by pid %d: %w", dir, owner, err)
		}
		return nil, fmt.Errorf("state directory %s is locked by another instance: %w", dir, err)
	}
	if err := file.Truncate(0); err != nil {
		releaseFlock(file)
		return nil, fmt.Errorf("truncate lock file %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid()); err != nil {
		releaseFlock(file)
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}
	return &Lock{file: file, path: path}, nil
}

// Release drops the flock and removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	releaseFlock(l.file)
	l.file = nil
	return os.Remove(l.path)
}

func releaseFlock(file *os.File) {
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
}

// ownerPID reads the pid recorded in an existing lock file, 0 when absent
// or unparsable.
func ownerPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	raw, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "pid=")
	if !ok {
		return 0
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return pid
}
