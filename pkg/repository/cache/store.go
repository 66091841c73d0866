// Package cache adds a read-through point-lookup cache in front of a document provider.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss indicates that a cache key was not found.
var ErrCacheMiss = errors.New("cache key not found")

// Store defines a pluggable backend for cached documents.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
