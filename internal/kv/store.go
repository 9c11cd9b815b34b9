// Package kv provides the key-value persistence used for all guidesmith state.
//
// Every write is atomic: readers observe either the previous value or the
// new one, never a partial write. Keys are slash-separated paths such as
// "locks/anthropic_claude" or "history/anthropic_claude/00000003".
//
// Two backends are provided: FileStore (the default, one file per key under
// a root directory) and RedisStore.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrInvalidKey is returned for empty, absolute or traversing keys.
var ErrInvalidKey = errors.New("kv: invalid key")

// Store is an atomic key-value store.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put atomically replaces the value at key.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent atomically creates key. It reports false, without error,
	// when the key already exists. Among concurrent creators exactly one
	// observes true.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// CompareAndSwap replaces the value at key with next only if the current
	// value equals old. It reports false when the key is missing or differs.
	CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error)

	// CompareAndDelete removes key only if its current value equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys beginning with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// ValidateKey rejects keys that could escape the store namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "\\\x00") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		if strings.HasPrefix(seg, ".tmp-") || seg == ".guard" {
			return fmt.Errorf("%w: reserved segment in %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Join builds a key from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}
