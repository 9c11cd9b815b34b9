//go:build !unix

package lock

import "os"

// processRunning relies on os.FindProcess, which on Windows opens a handle
// to the process and fails if it has exited.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
