package kv

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a fresh store per backend under test.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fileStore.Close() })

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	redisStore, err := NewRedisStoreWithOptions(context.Background(), &redis.Options{Addr: mr.Addr()}, "test:")
	require.NoError(t, err)
	t.Cleanup(func() { redisStore.Close() })

	return map[string]Store{"file": fileStore, "redis": redisStore}
}

func TestStore_GetPut(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "committed/anthropic_claude")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "committed/anthropic_claude", []byte("v1")))
			require.NoError(t, s.Put(ctx, "committed/anthropic_claude", []byte("v2")))

			got, err := s.Get(ctx, "committed/anthropic_claude")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(got))
		})
	}
}

func TestStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.PutIfAbsent(ctx, "locks/k", []byte("a"))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.PutIfAbsent(ctx, "locks/k", []byte("b"))
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.Get(ctx, "locks/k")
			require.NoError(t, err)
			assert.Equal(t, "a", string(got))
		})
	}
}

func TestStore_PutIfAbsent_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const racers = 16
			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})

			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					ok, err := s.PutIfAbsent(ctx, "locks/race", []byte{byte(i)})
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.CompareAndSwap(ctx, "locks/k", []byte("a"), []byte("b"))
			require.NoError(t, err)
			assert.False(t, ok, "missing key never swaps")

			require.NoError(t, s.Put(ctx, "locks/k", []byte("a")))

			ok, err = s.CompareAndSwap(ctx, "locks/k", []byte("x"), []byte("b"))
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndSwap(ctx, "locks/k", []byte("a"), []byte("b"))
			require.NoError(t, err)
			assert.True(t, ok)

			got, _ := s.Get(ctx, "locks/k")
			assert.Equal(t, "b", string(got))
		})
	}
}

func TestStore_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "locks/k", []byte("a")))

			ok, err := s.CompareAndDelete(ctx, "locks/k", []byte("b"))
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndDelete(ctx, "locks/k", []byte("a"))
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = s.Get(ctx, "locks/k")
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err = s.CompareAndDelete(ctx, "locks/k", []byte("a"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, s.Delete(ctx, "working/never"))
		})
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"history/a/00000002", "history/a/00000001", "history/b/00000001", "locks/a"} {
				require.NoError(t, s.Put(ctx, k, []byte("x")))
			}

			keys, err := s.List(ctx, "history/a/")
			require.NoError(t, err)
			assert.Equal(t, []string{"history/a/00000001", "history/a/00000002"}, keys)

			keys, err = s.List(ctx, "nothing/")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStore_List_GlobCharactersInPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{
				"history/openai_gpt-4o[mini]/00000001",
				"history/openai_gpt-4o[mini]/00000002",
				"history/openai_gpt-4om/00000001",
				"history/openai_g*?/00000001",
				"history/openai_gxy/00000001",
			} {
				require.NoError(t, s.Put(ctx, k, []byte("x")))
			}

			keys, err := s.List(ctx, "history/openai_gpt-4o[mini]/")
			require.NoError(t, err)
			assert.Equal(t, []string{"history/openai_gpt-4o[mini]/00000001", "history/openai_gpt-4o[mini]/00000002"}, keys)

			keys, err = s.List(ctx, "history/openai_g*?/")
			require.NoError(t, err)
			assert.Equal(t, []string{"history/openai_g*?/00000001"}, keys)
		})
	}
}

func TestValidateKey(t *testing.T) {
	for _, k := range []string{"", "/abs", "a//b", "a/../b", "..", "a/", ".guard", "a/.tmp-123"} {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKey, k)
	}
	assert.NoError(t, ValidateKey("history/openai_gpt-4o/00000001"))
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "checkpoints/k", []byte("cp")))
	_, err = s.PutIfAbsent(ctx, "locks/k", []byte("l"))
	require.NoError(t, err)
	_, err = s.PutIfAbsent(ctx, "locks/k", []byte("l2"))
	require.NoError(t, err)

	for _, sub := range []string{"checkpoints", "locks"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.Len(t, entries, 1, sub)
	}
}

func TestFileStore_SharedDirectoryAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := NewFileStore(dir)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFileStore(dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Put(ctx, "locks/k", []byte("1")))

	var swaps atomic.Int32
	var wg sync.WaitGroup
	for _, s := range []Store{a, b} {
		wg.Add(1)
		go func(s Store) {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "locks/k", []byte("1"), []byte("2"))
			assert.NoError(t, err)
			if ok {
				swaps.Add(1)
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, int32(1), swaps.Load())
}
