package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "roomchat:"

// RedisStore keeps the display name in Redis under <prefix>username. The key
// has no TTL.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store connected to Redis and verifies the
// connection.
func NewRedisStore(redisAddr string, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("identity: redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, key: prefix + Key}
}

// Resolve returns the stored name, or "" if none.
func (s *RedisStore) Resolve(ctx context.Context) (string, error) {
	name, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: redis get: %w", err)
	}
	return name, nil
}

// Persist stores name.
func (s *RedisStore) Persist(ctx context.Context, name string) error {
	if err := s.client.Set(ctx, s.key, name, 0).Err(); err != nil {
		return fmt.Errorf("identity: redis set: %w", err)
	}
	return nil
}

// Clear removes the stored name.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("identity: redis del: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
