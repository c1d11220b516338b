// Package lock guards a work directory or state file against a second
// running instance.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned when another process holds the lock
var ErrHeld = errors.New("lock held by another process")

// FileLock is an advisory flock on a file next to the guarded resource
type FileLock struct {
	path string
	file *os.File
}

// For returns the lock guarding resource, stored at "<resource>.lock" for
// files and "<dir>/.pcr-intake.lock" for directories
func For(resource string) *FileLock {
	if info, err := os.Stat(resource); err == nil && info.IsDir() {
		return &FileLock{path: filepath.Join(resource, ".pcr-intake.lock")}
	}
	return &FileLock{path: resource + ".lock"}
}

func (fl *FileLock) Path() string { return fl.path }

// TryLock takes the lock without waiting and records the holder's PID
func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid := holder(fl.path); pid != 0 {
				return fmt.Errorf("%w: %s (pid %d)", ErrHeld, fl.path, pid)
			}
			return fmt.Errorf("%w: %s", ErrHeld, fl.path)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	return f.Sync()
}

func holder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// Unlock releases the lock. The file is left in place so a waiting process
// never locks an unlinked inode.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}
