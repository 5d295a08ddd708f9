package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	// Signaling readers block on XREAD; keep the socket timeout above the block window.
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var seatAcquireScript = redis.NewScript(`
-- KEYS[1] = seat set key
-- ARGV[1] = member id
-- ARGV[2] = limit (int)
-- ARGV[3] = ttl_ms (int)
--
-- Returns:
--  1 if the seat was taken
--  0 if rejected (limit reached)
-- -1 if the member already holds a seat
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return -1
end
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var seatReleaseScript = redis.NewScript(`
-- KEYS[1] = seat set key
-- ARGV[1] = member id
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// ErrSeatHeld means member already holds a seat under the key. A member
// holds at most one seat, so its release cannot free someone else's.
var ErrSeatHeld = errors.New("seat already held by member")

// AcquireSeat takes one of limit seats under key for member.
//
// Safety properties:
// - Atomic acquire using Lua.
// - TTL prevents leaked seats on process crash.
// - Release is idempotent per member.
func AcquireSeat(ctx context.Context, rdb redis.Scripter, key, member string, limit int, ttl time.Duration) (bool, error) {
	if rdb == nil {
		return false, errors.New("redis client is nil")
	}
	if key == "" || member == "" {
		return false, errors.New("key and member are required")
	}
	if limit <= 0 {
		return false, errors.New("limit must be > 0")
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}

	res, err := seatAcquireScript.Run(ctx, rdb, []string{key}, member, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, ErrSeatHeld
	}
	return res == 1, nil
}

// ReleaseSeat gives back member's seat under key.
func ReleaseSeat(ctx context.Context, rdb redis.Scripter, key, member string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	if key == "" || member == "" {
		return errors.New("key and member are required")
	}
	_, err := seatReleaseScript.Run(ctx, rdb, []string{key}, member).Result()
	return err
}
