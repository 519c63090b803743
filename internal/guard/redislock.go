package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is the Redis key every replica contends on.
const DefaultLockKey = "salonhub-bridge:sync-lock"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// extendScript resets the TTL only if the key still holds our token.
var extendScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// RedisLock is a single-instance Redis lock (SET NX PX with a random token).
// The TTL bounds how long a crashed replica can block the others.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// NewRedisLock creates a lock on key. It does not own client.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

// TTL is the expiry set on every Acquire and Extend.
func (l *RedisLock) TTL() time.Duration {
	return l.ttl
}

// Extend pushes the expiry out to a full TTL from now. It reports false when
// the lock is no longer ours: it expired and may have been taken by another
// replica.
func (l *RedisLock) Extend(ctx context.Context) (bool, error) {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	if token == "" {
		return false, nil
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend %s: %w", l.key, err)
	}
	if n == 0 {
		l.mu.Lock()
		if l.token == token {
			l.token = ""
		}
		l.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Release is a no-op when the lock expired or was never acquired.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock %s: %w", l.key, err)
	}
	return nil
}
