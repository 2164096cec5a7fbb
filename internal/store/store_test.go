package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:refresh:"), mr
}

func backends(t *testing.T) map[string]RefreshTokenStore {
	redisStore, _ := newRedisStore(t)
	return map[string]RefreshTokenStore{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestAddContainsRemove(t *testing.T) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Contains(ctx, "rt-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Add(ctx, "rt-1", exp))
			require.NoError(t, s.Add(ctx, "rt-1", exp))
			ok, err = s.Contains(ctx, "rt-1")
			require.NoError(t, err)
			assert.True(t, ok)

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, s.Remove(ctx, "rt-1"))
			require.NoError(t, s.Remove(ctx, "rt-1"))
			require.NoError(t, s.Remove(ctx, "never-added"))
			ok, err = s.Contains(ctx, "rt-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(ctx, "old", exp))

			rotated, err := s.Rotate(ctx, "old", "new", exp)
			require.NoError(t, err)
			assert.True(t, rotated)

			ok, _ := s.Contains(ctx, "old")
			assert.False(t, ok)
			ok, _ = s.Contains(ctx, "new")
			assert.True(t, ok)

			rotated, err = s.Rotate(ctx, "old", "other", exp)
			require.NoError(t, err)
			assert.False(t, rotated)
			ok, _ = s.Contains(ctx, "other")
			assert.False(t, ok)
		})
	}
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(ctx, "shared", exp))

			const workers = 32
			var wins int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			wg.Add(workers)
			for i := 0; i < workers; i++ {
				go func(i int) {
					defer wg.Done()
					<-start
					ok, err := s.Rotate(ctx, "shared", fmt.Sprintf("next-%d", i), exp)
					assert.NoError(t, err)
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), wins)
			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.Add(ctx, "stale", now.Add(-time.Second)))
	require.NoError(t, s.Add(ctx, "edge", now))
	require.NoError(t, s.Add(ctx, "live", now.Add(time.Hour)))

	assert.Equal(t, 2, s.Sweep())
	ok, _ := s.Contains(ctx, "live")
	assert.True(t, ok)
	ok, _ = s.Contains(ctx, "stale")
	assert.False(t, ok)
}

func TestMemorySweeperStopsOnCancel(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, 5*time.Millisecond, nil)
		close(done)
	}()
	require.NoError(t, s.Add(ctx, "stale", time.Now().Add(-time.Minute)))

	assert.Eventually(t, func() bool {
		n, _ := s.Len(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRedisEntriesExpireWithToken(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Add(ctx, "rt", time.Now().Add(time.Minute)))
	ok, err := s.Contains(ctx, "rt")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.Contains(ctx, "rt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisKeysAreHashed(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Add(ctx, "bearer-secret", time.Now().Add(time.Minute)))
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.NotContains(t, keys[0], "bearer-secret")
	assert.Contains(t, keys[0], "test:refresh:")
}
