package ats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a single-flight guard: at most one sync runs at a time across
// every process sharing the backing store.
type Lease interface {
	// Acquire takes the lease for ttl. It returns false when another
	// holder already has it.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease implements Lease with SET NX. The TTL bounds how long a crashed
// holder can block syncs; keep it above the stale-job sweep threshold.
type RedisLease struct {
	rdb *redis.Client
	key string
}

func NewRedisLease(rdb *redis.Client, key string) *RedisLease {
	return &RedisLease{rdb: rdb, key: key}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sync lease: %w", err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := l.rdb.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}
