package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NotificationGuard remembers which gateway notifications have already
// been taken into processing so re-deliveries short-circuit early.
type NotificationGuard interface {
	// Claim returns true for the first delivery of key.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later re-delivery is processed again.
	Release(ctx context.Context, key string) error
}

// RedisNotificationGuard keeps claims in Redis with SETNX and a TTL so
// every instance behind the load balancer sees them.
type RedisNotificationGuard struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisNotificationGuard returns a guard storing keys under prefix.
func NewRedisNotificationGuard(rdb *redis.Client, prefix string, ttl time.Duration) *RedisNotificationGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisNotificationGuard{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (g *RedisNotificationGuard) Claim(ctx context.Context, key string) (bool, error) {
	return g.rdb.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

func (g *RedisNotificationGuard) Release(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, g.prefix+key).Err()
}

// NopNotificationGuard claims everything.  Idempotence then rests on the
// invoice status check alone.
type NopNotificationGuard struct{}

func (NopNotificationGuard) Claim(context.Context, string) (bool, error) { return true, nil }
func (NopNotificationGuard) Release(context.Context, string) error       { return nil }
