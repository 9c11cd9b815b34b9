//go:build !unix

package kv

import "os"

// Without flock the guard is in-process only; FileStore's mutex still
// serializes goroutines of this process.
func tryLockGuard(*os.File) (bool, error) { return true, nil }

func unlockGuard(*os.File) error { return nil }
