//go:build unix

package lock

import (
	"errors"
	"syscall"
)

// processRunning sends signal 0. EPERM means the process exists but belongs
// to another user.
func processRunning(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
