// ABOUTME: Advisory exclusive lock on an identity directory using flock(2)
// ABOUTME: A second open of the same directory fails fast with ErrAlreadyOpen

package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// LockFileName is the lock file created inside a locked directory.
const LockFileName = "LOCK"

// DirLock is an exclusive advisory lock on a directory. The lock belongs to
// the open file description, so two locks on the same directory conflict even
// within one process.
type DirLock struct {
	path string
	file *os.File
	once sync.Once
	err  error
}

// LockDir takes an exclusive non-blocking lock on dir/LOCK.
// Returns an error wrapping ErrAlreadyOpen if another holder has it.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s: %v", ErrAlreadyOpen, dir, err)
		}
		return nil, fmt.Errorf("locking %s: %w", dir, err)
	}

	return &DirLock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// Release drops the lock. It is safe to call multiple times.
func (l *DirLock) Release() error {
	l.once.Do(func() {
		if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
			l.err = fmt.Errorf("unlocking %s: %w", l.path, err)
		}
		if err := l.file.Close(); err != nil && l.err == nil {
			l.err = fmt.Errorf("closing lock file: %w", err)
		}
	})
	return l.err
}
