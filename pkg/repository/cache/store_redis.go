package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	redisstore "github.com/nimburion/docrepo/pkg/store/redis"
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisConfig configures a Redis cache backend.
type RedisConfig struct {
	OperationTimeout time.Duration
	Prefix           string
}

// RedisStore persists cached documents in Redis.
type RedisStore struct {
	client    redisClient
	opTimeout time.Duration
	prefix    string
	owned     bool
}

// NewRedisStore creates a store over the client of a Redis adapter. Closing the store
// leaves the adapter open.
func NewRedisStore(adapter *redisstore.RedisAdapter, cfg RedisConfig) (*RedisStore, error) {
	if adapter == nil {
		return nil, errors.New("redis adapter is required")
	}
	return newRedisStore(adapter.Client(), cfg, false), nil
}

func newRedisStore(client redisClient, cfg RedisConfig, owned bool) *RedisStore {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "docrepo"
	}
	return &RedisStore{client: client, opTimeout: timeout, prefix: prefix, owned: owned}
}

// Get loads an entry from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return raw, nil
}

// Set stores an entry with TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// Delete removes entries.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.key(key)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Del(ctx, full...).Err()
}

// Close closes the Redis client when the store owns it.
func (s *RedisStore) Close() error {
	if s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}
