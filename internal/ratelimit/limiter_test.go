package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a running Redis on localhost:6379; skipped otherwise.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zerolog.Nop()), client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "test_roomchat:rl:", Limit: 3, Window: time.Minute}
	client.Del(ctx, rule.Key+"conn-1")
	t.Cleanup(func() { client.Del(ctx, rule.Key+"conn-1") })

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "conn-1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := l.Remaining(ctx, "conn-1", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ttl, err := client.TTL(ctx, rule.Key+"conn-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, l.Reset(ctx, "conn-1", rule))
	remaining, err = l.Remaining(ctx, "conn-1", rule)
	require.NoError(t, err)
	assert.Equal(t, rule.Limit, remaining)
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	l := NewLimiter(client, zerolog.Nop())

	ok, err := l.Allow(context.Background(), "conn-1", DefaultMessageRule)
	assert.Error(t, err)
	assert.True(t, ok)

	remaining, err := l.Remaining(context.Background(), "conn-1", DefaultMessageRule)
	assert.Error(t, err)
	assert.Equal(t, DefaultMessageRule.Limit, remaining)
}

func TestDial_Unavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, "127.0.0.1:1", zerolog.Nop())
	assert.Error(t, err)
}
