package ban

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachePrefix is the Redis key prefix for cached ban lookups.
const CachePrefix = "ban:"

// Cache remembers FindBan results per address.
type Cache struct {
	client      redis.Cmdable
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// NewCache creates a cache holding bans for positiveTTL and "not banned"
// answers for negativeTTL.
func NewCache(client redis.Cmdable, positiveTTL, negativeTTL time.Duration) *Cache {
	return &Cache{client: client, positiveTTL: positiveTTL, negativeTTL: negativeTTL}
}

// Get returns the cached answer for addr. hit is false when nothing is cached.
func (c *Cache) Get(ctx context.Context, addr string) (banned, hit bool, err error) {
	val, err := c.client.Get(ctx, CachePrefix+addr).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

// Set caches the answer for addr.
func (c *Cache) Set(ctx context.Context, addr string, banned bool) error {
	val, ttl := "0", c.negativeTTL
	if banned {
		val, ttl = "1", c.positiveTTL
	}
	return c.client.Set(ctx, CachePrefix+addr, val, ttl).Err()
}

// Invalidate drops the cached answer for addr.
func (c *Cache) Invalidate(ctx context.Context, addr string) error {
	return c.client.Del(ctx, CachePrefix+addr).Err()
}
