package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	guardName     = ".guard"
	tmpPrefix     = ".tmp-"
	guardPollWait = 5 * time.Millisecond
)

// FileStore stores one file per key under a root directory.
//
// Put writes a temp file in the destination directory and renames it over
// the target. PutIfAbsent hard-links a fully written temp file to the
// target, which fails if the target already exists. Read-modify-write
// operations hold an exclusive flock on <root>/.guard so they are
// serialized across processes sharing the directory.
type FileStore struct {
	root  string
	guard *os.File
	mu    sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if necessary) a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	guard, err := os.OpenFile(filepath.Join(abs, guardName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open guard file: %w", err)
	}
	return &FileStore{root: abs, guard: guard}, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return s.writeAtomic(key, value)
}

func (s *FileStore) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	target := s.Path(key)
	tmp, err := s.writeTemp(filepath.Dir(target), value)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	syncDir(filepath.Dir(target))
	return true, nil
}

func (s *FileStore) CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !bytes.Equal(current, old) {
		return false, nil
	}
	if err := s.writeAtomic(key, next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !bytes.Equal(current, old) {
		return false, nil
	}
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		name := d.Name()
		if d.IsDir() || name == guardName || strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error {
	return s.guard.Close()
}

// lock takes the in-process mutex and then the cross-process flock,
// polling so that ctx cancellation is honored.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	for {
		ok, err := tryLockGuard(s.guard)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("lock store guard: %w", err)
		}
		if ok {
			return func() {
				_ = unlockGuard(s.guard)
				s.mu.Unlock()
			}, nil
		}
		select {
		case <-ctx.Done():
			s.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(guardPollWait):
		}
	}
}

func (s *FileStore) writeAtomic(key string, value []byte) error {
	target := s.Path(key)
	dir := filepath.Dir(target)
	tmp, err := s.writeTemp(dir, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	syncDir(dir)
	return nil
}

// writeTemp writes value to a synced temp file in dir and returns its path.
func (s *FileStore) writeTemp(dir string, value []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// syncDir makes a rename or link durable. Errors are ignored because some
// platforms cannot fsync directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
