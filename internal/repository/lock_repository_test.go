package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockImplementations(t *testing.T) map[string]LockRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]LockRepository{
		"redis": NewRedisLockRepository(rdb, time.Minute),
		"local": NewLocalLockRepository(),
	}
}

func TestLockRepository_MutualExclusion(t *testing.T) {
	for name, locks := range lockImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				inside  int32
				maxSeen int32
				wg      sync.WaitGroup
			)
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := locks.Lock(ctx, "S1/1.2")
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					if n > atomic.LoadInt32(&maxSeen) {
						atomic.StoreInt32(&maxSeen, n)
					}
					time.Sleep(10 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
		})
	}
}

func TestLockRepository_DifferentKeysIndependent(t *testing.T) {
	for name, locks := range lockImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u1, err := locks.Lock(ctx, "a")
			require.NoError(t, err)
			defer u1()

			ctx2, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			u2, err := locks.Lock(ctx2, "b")
			require.NoError(t, err)
			u2()
		})
	}
}

func TestLockRepository_ContextCancel(t *testing.T) {
	for name, locks := range lockImplementations(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := locks.Lock(context.Background(), "busy")
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()
			_, err = locks.Lock(ctx, "busy")
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestLockRepository_Attempts(t *testing.T) {
	for name, locks := range lockImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := int64(1); i <= 3; i++ {
				n, err := locks.IncrAttempts(ctx, "task")
				require.NoError(t, err)
				assert.Equal(t, i, n)
			}
			require.NoError(t, locks.ResetAttempts(ctx, "task"))
			n, err := locks.IncrAttempts(ctx, "task")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestRedisLock_RenewedWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ttl := 300 * time.Millisecond
	locks := NewRedisLockRepository(rdb, ttl)
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "S1/1.2")
	require.NoError(t, err)
	key := lockPrefix + "S1/1.2"

	// miniredis 只在 FastForward 时流逝 TTL
	mr.FastForward(200 * time.Millisecond)
	assert.Eventually(t, func() bool { return mr.TTL(key) > 150*time.Millisecond }, 2*time.Second, 10*time.Millisecond)

	// 超过初始 TTL 后锁仍然有效
	mr.FastForward(200 * time.Millisecond)
	assert.True(t, mr.Exists(key))
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(short, "S1/1.2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists(key))
	// 释放后不再续期
	require.NoError(t, mr.Set(key, "someone-else"))
	assert.Never(t, func() bool { return mr.TTL(key) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestRedisLock_StopsRenewingLostLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locks := NewRedisLockRepository(rdb, 150*time.Millisecond)

	unlock, err := locks.Lock(context.Background(), "S1/1.2")
	require.NoError(t, err)
	key := lockPrefix + "S1/1.2"

	// 锁过期后被其他进程取得
	require.NoError(t, mr.Set(key, "other-token"))
	assert.Never(t, func() bool { return mr.TTL(key) > 0 }, 300*time.Millisecond, 20*time.Millisecond)

	// unlock 不删除别人的锁
	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-token", got)
}
