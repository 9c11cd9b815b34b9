package lock

import (
	"os"
	"strconv"
)

// ProcessLiveness reports whether a lock holder is still running.
type ProcessLiveness interface {
	IsRunning(holder string) bool
}

// LivenessFunc adapts a function to ProcessLiveness.
type LivenessFunc func(holder string) bool

func (f LivenessFunc) IsRunning(holder string) bool { return f(holder) }

// OSLiveness interprets holders as decimal PIDs on the local host.
// Non-numeric holders are never running.
type OSLiveness struct{}

func (OSLiveness) IsRunning(holder string) bool {
	pid, err := strconv.Atoi(holder)
	if err != nil || pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	return processRunning(pid)
}

// DefaultHolder is the calling process's PID.
func DefaultHolder() string {
	return strconv.Itoa(os.Getpid())
}
