package cache

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/document"
	redisstore "github.com/nimburion/docrepo/pkg/store/redis"
	"github.com/nimburion/docrepo/pkg/testutil"
)

func TestRedisStore_Integration(t *testing.T) {
	testutil.RequireContainers(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate redis: %v", err)
		}
	}()
	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	adapter, err := redisstore.NewRedisAdapter(redisstore.Config{URL: url, MaxConns: 4, OperationTimeout: 5 * time.Second}, logger.NewNop())
	if err != nil {
		t.Fatalf("redis adapter: %v", err)
	}
	defer adapter.Close()

	store, err := NewRedisStore(adapter, RedisConfig{Prefix: "it"})
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	inner := document.NewMemoryProvider()
	p, err := New(inner, store, WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("cache provider: %v", err)
	}
	if err := p.EnsureContainer(ctx, repository.ContainerDescriptor{Name: "widgets", PartitionKeyPath: "/tenant"}); err != nil {
		t.Fatalf("ensure container: %v", err)
	}

	req := widget("w1", "t1", 3)
	created, err := p.Create(ctx, "widgets", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, charge, err := p.Get(ctx, "widgets", req.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if charge != 0 || repository.ETagOf(doc) != created.ETag || doc["qty"] != int64(3) {
		t.Fatalf("expected cached post-image: charge=%v doc=%v", charge, doc)
	}
	ttl, err := adapter.Client().TTL(ctx, "it:"+entryKey("widgets", req.Key)).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("entry ttl = %v, %v", ttl, err)
	}
}
