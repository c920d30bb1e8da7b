//go:build unix

package serialmux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// LockDevice takes a UUCP-style LCK..<name> lock file in dir for the device
// at path, held with a non-blocking flock. The device node itself cannot be
// locked this way because go.bug.st/serial opens it with TIOCEXCL, which
// rejects a second open.
func LockDevice(dir, path string) (release func() error, err error) {
	name := strings.ReplaceAll(strings.TrimPrefix(filepath.Clean(path), "/dev/"), "/", "_")
	lockPath := filepath.Join(dir, "LCK.."+name)

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !sameFile(f, lockPath) {
		f.Close()
		return nil, fmt.Errorf("lock %s: released while acquiring", lockPath)
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%10d\n", os.Getpid())
	}

	// The file is unlinked while still locked. Anyone who opened it before
	// then will hold a lock on an orphaned inode, so they must check the path
	// still names the file they locked.
	return func() error {
		removeErr := os.Remove(lockPath)
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		closeErr := f.Close()
		return errors.Join(removeErr, unlockErr, closeErr)
	}, nil
}

// sameFile reports whether path still names the open file f.
func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}
