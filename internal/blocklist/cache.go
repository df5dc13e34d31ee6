// Package blocklist puts a Redis read-through cache in front of the
// durable block list.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL    = 5 * time.Minute
	lookupTimeout = 5 * time.Second
)

// Source answers block lookups authoritatively.
type Source interface {
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
}

// Cache remembers pair lookups in Redis. Blocking is symmetric, so a pair
// has one key regardless of argument order. Redis failures fall through to
// the source.
type Cache struct {
	rdb    redis.UniversalClient
	source Source
	ttl    time.Duration
	log    *slog.Logger
	group  singleflight.Group // Prevents cache stampede
}

func NewCache(rdb redis.UniversalClient, source Source, ttl time.Duration, log *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{rdb: rdb, source: source, ttl: ttl, log: log}
}

func cacheKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("blocked:%d:%d", a, b)
}

// IsBlocked answers from Redis when it can. Concurrent misses for a pair
// share one source lookup, which runs detached from any single caller so a
// cancelled caller does not fail the others.
func (c *Cache) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	key := cacheKey(a, b)

	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val == "1", nil
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("blocklist cache read failed", "key", key, "error", err)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		blocked, err := c.source.IsBlocked(fctx, a, b)
		if err != nil {
			return false, err
		}
		flag := "0"
		if blocked {
			flag = "1"
		}
		// SetNX: a block recorded while the lookup ran must win.
		if err := c.rdb.SetNX(fctx, key, flag, c.ttl).Err(); err != nil {
			c.log.Warn("blocklist cache write failed", "key", key, "error", err)
		}
		return blocked, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// MarkBlocked records a new block in the cache. Blocks are never lifted, so
// the pair is written as blocked rather than dropped.
func (c *Cache) MarkBlocked(ctx context.Context, a, b int64) error {
	return c.rdb.Set(ctx, cacheKey(a, b), "1", c.ttl).Err()
}
