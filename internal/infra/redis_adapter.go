// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 behind the minimal interfaces the
// anti-abuse and fan-out packages declare (used-challenge set, sliding
// windows, blocklist, pub/sub). Those packages never import a driver;
// the service mains create this adapter and inject it.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter wraps go-redis v9.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects to Redis and verifies connectivity. The
// caller decides whether a failure is fatal; the limiter and PoW
// used-set are designed to fail open without Redis.
func NewRedisAdapter(addr, password string, db int) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping reports reachability for health checks.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// pow.UsedSet implementation
// =============================================================================

// Exists reports whether a key is present.
func (a *RedisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// SetEX writes a marker key with a TTL.
func (a *RedisAdapter) SetEX(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, "1", ttl).Err()
}

// =============================================================================
// ratelimit.WindowStore implementation
// =============================================================================

// WindowSnapshot atomically evicts entries older than the window, then
// returns the surviving count and the oldest surviving score. One
// pipelined round-trip.
func (a *RedisAdapter) WindowSnapshot(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, oldest float64, hasOldest bool, err error) {
	nowSec := float64(now.UnixNano()) / 1e9
	windowStart := nowSec - window.Seconds()

	pipe := a.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(windowStart, 'f', -1, 64))
	cardCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, false, err
	}

	count = cardCmd.Val()
	if entries := oldestCmd.Val(); len(entries) > 0 {
		oldest = entries[0].Score
		hasOldest = true
	}
	return count, oldest, hasOldest, nil
}

// WindowRecord adds the request timestamp to the window and refreshes
// the key TTL to slightly beyond the window.
func (a *RedisAdapter) WindowRecord(ctx context.Context, key string, now time.Time, window time.Duration) error {
	nowSec := float64(now.UnixNano()) / 1e9
	member := strconv.FormatFloat(nowSec, 'f', -1, 64)

	pipe := a.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: nowSec, Member: member})
	pipe.Expire(ctx, key, window+time.Second)
	_, err := pipe.Exec(ctx)
	return err
}

// SIsMember reports set membership (the IP blocklist).
func (a *RedisAdapter) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return a.rdb.SIsMember(ctx, key, member).Result()
}

// SAdd adds members to a set.
func (a *RedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

// SRem removes members from a set.
func (a *RedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

// =============================================================================
// events.PubSubClient implementation
// =============================================================================

// Publish sends a message to a Redis Pub/Sub channel.
func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// Returns an unsubscribe function.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
