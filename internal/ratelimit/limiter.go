// Package ratelimit provides the two throttles used by the relay: a Redis
// fixed-window counter shared by every server (connection admission) and an
// in-process sliding log kept per connection (report attempts).
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/logger"
)

// Rule is a limit of Limit hits per Window under a Redis key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// ConnectRule builds the per-address admission rule.
func ConnectRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:conn:", Limit: limit, Window: window}
}

// Limiter counts hits in Redis with INCR and EXPIRE.
type Limiter struct {
	client redis.Cmdable
	log    *zap.Logger
}

func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client, log: logger.WithModule("ratelimit")}
}

// Allow records one hit for identifier and reports whether it is within rule.
// Redis failures fail open: the hit is allowed and the error returned for
// logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("incr failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("expire failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

