package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces lock keys.
const DefaultPrefix = "snaptrack:lock"

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// RedisLock is a Locker backed by SET NX PX.
type RedisLock struct {
	client redis.Cmdable
	prefix string
}

// Option configures a RedisLock.
type Option func(*RedisLock)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(l *RedisLock) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// NewRedisLock creates a lock on client.
func NewRedisLock(client redis.Cmdable, opts ...Option) *RedisLock {
	l := &RedisLock{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLockFromURL parses a redis:// URL and creates a lock on a new client.
func NewRedisLockFromURL(url string, opts ...Option) (*RedisLock, *redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(options)
	return NewRedisLock(client, opts...), client, nil
}

func (l *RedisLock) lockKey(key string) string {
	return l.prefix + ":" + key
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (*Guard, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, l.lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrAlreadyLocked
	}
	return &Guard{Key: key, Token: token}, nil
}

func (l *RedisLock) Release(ctx context.Context, guard *Guard) error {
	result, err := releaseScript.Run(ctx, l.client, []string{l.lockKey(guard.Key)}, guard.Token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", guard.Key, err)
	}
	if result == 0 {
		return ErrTokenMismatch
	}
	return nil
}

func (l *RedisLock) IsLocked(ctx context.Context, key string) (bool, error) {
	count, err := l.client.Exists(ctx, l.lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", key, err)
	}
	return count > 0, nil
}
