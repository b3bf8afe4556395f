// Package lock provides a Redis-backed cluster lock for singleton jobs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLocker takes single-attempt redsync mutexes.
type RedisLocker struct {
	rs *redsync.Redsync
}

// NewRedisClient connects to addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewRedisLocker returns a locker over client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client))}
}

// TryLock makes one attempt at key. ok is false when someone else holds it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := m.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	unlock := func(ctx context.Context) error {
		if _, err := m.UnlockContext(ctx); err != nil {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		return nil
	}
	return unlock, true, nil
}
