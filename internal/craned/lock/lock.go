// Package lock implements the agent's single-instance guard: an advisory
// exclusive flock on <base>/craned.lock.
package lock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock holds an acquired advisory lock; Release drops it.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if absent) path and takes a non-blocking
// exclusive flock. A second instance's call fails immediately.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another craned instance holds %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *Lock) Release() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
