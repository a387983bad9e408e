package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"xnat-ingest-go/pkg/log"
)

// LockRepository 提供按会话键的互斥锁和失败计数。
type LockRepository interface {
	// Lock 阻塞直到获得 key 的锁或 ctx 结束。返回的 unlock 必须被调用。
	Lock(ctx context.Context, key string) (unlock func(), err error)
	IncrAttempts(ctx context.Context, key string) (int64, error)
	ResetAttempts(ctx context.Context, key string) error
}

const (
	lockPrefix     = "ingest:lock:"
	attemptsPrefix = "ingest:attempts:"
	lockRetry      = 100 * time.Millisecond
	attemptsTTL    = 24 * time.Hour
)

// 仅当值仍是本进程写入的 token 时才删除。
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// 仅当值仍是本进程写入的 token 时才续期。
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// redisLockRepository 使用 SETNX + TTL 实现跨进程锁，持锁期间每 ttl/3 续期一次。
type redisLockRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLockRepository 创建基于 Redis 的 LockRepository。
func NewRedisLockRepository(rdb *redis.Client, ttl time.Duration) LockRepository {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &redisLockRepository{rdb: rdb, ttl: ttl}
}

func (r *redisLockRepository) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lockKey := lockPrefix + key
	for {
		ok, err := r.rdb.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				r.keepAlive(lockKey, token, stop)
			}()
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					_ = unlockScript.Run(context.Background(), r.rdb, []string{lockKey}, token).Err()
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

// keepAlive 定期续期直到 stop 被关闭，锁已被他人持有时停止。
func (r *redisLockRepository) keepAlive(lockKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := refreshScript.Run(ctx, r.rdb, []string{lockKey}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				log.Warnf("[Lock] 续期锁 %s 失败: %v", lockKey, err)
				continue
			}
			if n == 0 {
				log.Errorf("[Lock] 锁 %s 已过期或被其他进程持有，停止续期", lockKey)
				return
			}
		}
	}
}

func (r *redisLockRepository) IncrAttempts(ctx context.Context, key string) (int64, error) {
	k := attemptsPrefix + key
	n, err := r.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	_ = r.rdb.Expire(ctx, k, attemptsTTL).Err()
	return n, nil
}

func (r *redisLockRepository) ResetAttempts(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, attemptsPrefix+key).Err()
}

// localLockRepository 是单进程部署使用的按键互斥锁。
type localLockRepository struct {
	mu       sync.Mutex
	locks    map[string]chan struct{}
	attempts map[string]int64
}

// NewLocalLockRepository 创建进程内的 LockRepository。
func NewLocalLockRepository() LockRepository {
	return &localLockRepository{
		locks:    make(map[string]chan struct{}),
		attempts: make(map[string]int64),
	}
}

func (l *localLockRepository) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

func (l *localLockRepository) IncrAttempts(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[key]++
	return l.attempts[key], nil
}

func (l *localLockRepository) ResetAttempts(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
	return nil
}
