// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE fixed window algorithm. The relay uses it to throttle chat frames
// per connection.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "roomchat:rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// DefaultMessageRule allows 20 chat frames per 10 seconds per connection.
var DefaultMessageRule = Rule{Key: "roomchat:rl:msg:", Limit: 20, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// Dial connects to Redis at addr and returns a Limiter over it.
func Dial(ctx context.Context, addr string, logger zerolog.Logger) (*Limiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis connection failed: %w", err)
	}
	return NewLimiter(client, logger), nil
}

// Allow increments the identifier's counter for rule and reports whether it
// is still within the limit. On Redis errors it fails open so that an outage
// never blocks traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("ratelimit: INCR failed, failing open")
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("ratelimit: EXPIRE failed, failing open")
			// A key without a TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests the identifier has left in the current
// window. It returns the full limit when no window is open or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Reset clears the identifier's window, e.g. when its connection closes.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	if err := l.client.Del(ctx, rule.Key+identifier).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", rule.Key+identifier, err)
	}
	return nil
}

// Close closes the Redis client.
func (l *Limiter) Close() error {
	return l.client.Close()
}
