//go:build unix

package kv

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockGuard takes a non-blocking exclusive flock.
func tryLockGuard(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return err == nil, err
}

func unlockGuard(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
