package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisStore(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, RedisConfig{Prefix: "test"}, true)
	ctx := context.Background()

	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	if err := store.Set(ctx, "k", []byte(`{"id":"k"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if client.ttls["test:k"] != time.Minute {
		t.Fatalf("ttl = %v, want 1m", client.ttls["test:k"])
	}
	raw, err := store.Get(ctx, "k")
	if err != nil || string(raw) != `{"id":"k"}` {
		t.Fatalf("get = %q, %v", raw, err)
	}
	if err := store.Delete(ctx, "k", "other"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := client.values["test:k"]; ok {
		t.Fatal("key should be deleted")
	}
	if err := store.Close(); err != nil || !client.closed {
		t.Fatalf("owned client should be closed: %v", err)
	}
}

func TestRedisStore_DefaultsAndBorrowedClient(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, RedisConfig{Prefix: "  "}, false)
	if store.prefix != "docrepo" || store.opTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: prefix=%q timeout=%v", store.prefix, store.opTimeout)
	}
	if err := store.Close(); err != nil || client.closed {
		t.Fatal("borrowed client must stay open")
	}
	if _, err := NewRedisStore(nil, RedisConfig{}); err == nil {
		t.Fatal("expected error for nil adapter")
	}
}

func TestInMemoryStore_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewInMemoryStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 2*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := store.Get(ctx, "k")
	if err != nil || string(raw) != "v" {
		t.Fatalf("get = %q, %v", raw, err)
	}
	raw[0] = 'x'
	if again, _ := store.Get(ctx, "k"); string(again) != "v" {
		t.Fatal("returned bytes must not alias the stored value")
	}
	now = now.Add(2 * time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("expired entry should be evicted on read")
	}
}
