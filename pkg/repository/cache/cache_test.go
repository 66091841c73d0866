package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/document"
	"github.com/nimburion/docrepo/pkg/repository/patch"
)

const testContainer = "widgets"

type countingProvider struct {
	repository.Provider
	gets     int
	getMany  [][]repository.Key
	failWith error
}

func (c *countingProvider) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	c.gets++
	return c.Provider.Get(ctx, container, key)
}

func (c *countingProvider) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	c.getMany = append(c.getMany, keys)
	return c.Provider.GetMany(ctx, container, keys)
}

func (c *countingProvider) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	if c.failWith != nil {
		return repository.WriteResult{}, c.failWith
	}
	return c.Provider.Replace(ctx, container, req)
}

type failingStore struct {
	*InMemoryStore
	deletes int
}

func (s *failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("cache down")
}

func (s *failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}

func (s *failingStore) Delete(context.Context, ...string) error {
	s.deletes++
	return errors.New("cache down")
}

func setup(t *testing.T, now *time.Time, desc repository.ContainerDescriptor, store Store) (*Provider, *countingProvider) {
	t.Helper()
	clock := func() time.Time { return *now }
	inner := &countingProvider{Provider: document.NewMemoryProvider(document.WithMemoryClock(clock))}
	p, err := New(inner, store, WithTTL(time.Minute), WithClock(clock))
	if err != nil {
		t.Fatalf("new cache provider: %v", err)
	}
	desc.Name = testContainer
	if err := p.EnsureContainer(context.Background(), desc); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
	return p, inner
}

func widget(id, pk string, qty int64) repository.WriteRequest {
	return repository.WriteRequest{
		Key:      repository.Key{ID: id, PartitionKey: pk},
		Document: repository.Document{"id": id, "tenant": pk, "qty": qty},
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(nil, NewInMemoryStore()); err == nil {
		t.Fatal("expected error for nil provider")
	}
	if _, err := New(document.NewMemoryProvider(), nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestProvider_GetReadsThrough(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewInMemoryStore()
	p, inner := setup(t, &now, repository.ContainerDescriptor{}, store)
	ctx := context.Background()

	req := widget("w1", "t1", 1)
	if _, err := inner.Provider.Create(ctx, testContainer, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	doc, charge, err := p.Get(ctx, testContainer, req.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if charge == 0 || doc["qty"] != int64(1) {
		t.Fatalf("first read should hit the backend: charge=%v doc=%v", charge, doc)
	}
	doc, charge, err = p.Get(ctx, testContainer, req.Key)
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if charge != 0 || doc["qty"] != int64(1) {
		t.Fatalf("second read should be a free hit: charge=%v doc=%v", charge, doc)
	}
	if inner.gets != 1 {
		t.Fatalf("backend reads = %d, want 1", inner.gets)
	}

	if _, _, err := p.Get(ctx, testContainer, repository.Key{ID: "nope", PartitionKey: "t1"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("misses must not be cached, entries = %d", store.Len())
	}
}

func TestProvider_WritesRefreshEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p, inner := setup(t, &now, repository.ContainerDescriptor{}, NewInMemoryStore())
	ctx := context.Background()

	req := widget("w1", "t1", 1)
	created, err := p.Create(ctx, testContainer, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	patched, err := p.Patch(ctx, testContainer, repository.PatchRequest{
		Key:        req.Key,
		Operations: []patch.Operation{{Type: patch.OpIncrement, Path: "/qty", Value: int64(4)}},
		IfMatch:    created.ETag,
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}

	doc, charge, err := p.Get(ctx, testContainer, req.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if charge != 0 || inner.gets != 0 {
		t.Fatalf("write should have populated the cache: charge=%v gets=%d", charge, inner.gets)
	}
	if doc["qty"] != int64(5) || repository.ETagOf(doc) != patched.ETag {
		t.Fatalf("cached document is stale: %v", doc)
	}

	if _, err := p.Delete(ctx, testContainer, repository.DeleteRequest{Key: req.Key}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := p.Get(ctx, testContainer, req.Key); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestProvider_FailedWriteDropsEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewInMemoryStore()
	p, inner := setup(t, &now, repository.ContainerDescriptor{}, store)
	ctx := context.Background()

	req := widget("w1", "t1", 1)
	if _, err := p.Create(ctx, testContainer, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	inner.failWith = repository.ErrPreconditionFailed
	if _, err := p.Replace(ctx, testContainer, req); !errors.Is(err, repository.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("failed write must drop the entry, entries = %d", store.Len())
	}
}

func TestProvider_EntryNeverOutlivesDocument(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ttl := 10 * time.Second
	store := NewInMemoryStore()
	store.now = func() time.Time { return now }
	p, inner := setup(t, &now, repository.ContainerDescriptor{DefaultTTL: &ttl}, store)
	ctx := context.Background()

	req := widget("w1", "t1", 1)
	if _, err := p.Create(ctx, testContainer, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(11 * time.Second)
	if _, _, err := p.Get(ctx, testContainer, req.Key); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected expired document to be gone, got %v", err)
	}
	if inner.gets != 1 {
		t.Fatalf("expired entry should fall through to the backend, gets = %d", inner.gets)
	}

	expired := widget("w2", "t1", 1)
	expired.Document["ttl"] = int64(-1)
	if _, err := p.Create(ctx, testContainer, expired); err != nil {
		t.Fatalf("create: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("document without expiry should be cached once, entries = %d", store.Len())
	}
}

func TestProvider_GetManyFetchesOnlyMisses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p, inner := setup(t, &now, repository.ContainerDescriptor{}, NewInMemoryStore())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := inner.Provider.Create(ctx, testContainer, widget(id, "t1", 1)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, _, err := p.Get(ctx, testContainer, repository.Key{ID: "b", PartitionKey: "t1"}); err != nil {
		t.Fatalf("warm: %v", err)
	}

	keys := []repository.Key{
		{ID: "a", PartitionKey: "t1"},
		{ID: "b", PartitionKey: "t1"},
		{ID: "missing", PartitionKey: "t1"},
		{ID: "c", PartitionKey: "t1"},
	}
	docs, _, err := p.GetMany(ctx, testContainer, keys)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	var ids []string
	for _, doc := range docs {
		ids = append(ids, doc["id"].(string))
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("ids = %v, want [a b c]", ids)
	}
	if len(inner.getMany) != 1 || len(inner.getMany[0]) != 3 {
		t.Fatalf("backend should see only the misses: %v", inner.getMany)
	}

	if _, charge, err := p.GetMany(ctx, testContainer, keys[:2]); err != nil || charge != 0 {
		t.Fatalf("all-hit read: charge=%v err=%v", charge, err)
	}
	if len(inner.getMany) != 1 {
		t.Fatalf("all-hit read should not reach the backend")
	}
}

func TestProvider_BatchInvalidates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewInMemoryStore()
	p, _ := setup(t, &now, repository.ContainerDescriptor{}, store)
	ctx := context.Background()

	a, b := widget("a", "t1", 1), widget("b", "t1", 1)
	for _, req := range []repository.WriteRequest{a, b} {
		if _, err := p.Create(ctx, testContainer, req); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	_, err := p.Batch(ctx, testContainer, repository.BatchRequest{
		PartitionKey: "t1",
		Operations: []repository.BatchOperation{
			{Kind: repository.BatchUpsert, Key: a.Key, Document: repository.Document{"id": "a", "tenant": "t1", "qty": int64(9)}},
			{Kind: repository.BatchDelete, Key: b.Key},
		},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("batch must drop cached entries, entries = %d", store.Len())
	}
	doc, _, err := p.Get(ctx, testContainer, a.Key)
	if err != nil || doc["qty"] != int64(9) {
		t.Fatalf("get after batch: doc=%v err=%v", doc, err)
	}
}

func TestProvider_StoreFailuresFallBackToBackend(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &failingStore{InMemoryStore: NewInMemoryStore()}
	p, inner := setup(t, &now, repository.ContainerDescriptor{}, store)
	ctx := context.Background()

	req := widget("w1", "t1", 1)
	if _, err := p.Create(ctx, testContainer, req); err != nil {
		t.Fatalf("create must succeed with the cache down: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, _, err := p.Get(ctx, testContainer, req.Key); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if inner.gets != 2 {
		t.Fatalf("every read should reach the backend, gets = %d", inner.gets)
	}
	if _, err := p.Delete(ctx, testContainer, repository.DeleteRequest{Key: req.Key}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.deletes != 1 {
		t.Fatalf("delete should attempt invalidation, attempts = %d", store.deletes)
	}
}

func TestEntryKey_EscapesSeparators(t *testing.T) {
	a := entryKey("c", repository.Key{ID: "x/y", PartitionKey: "p"})
	b := entryKey("c", repository.Key{ID: "y", PartitionKey: "p/x"})
	if a == b {
		t.Fatalf("keys collide: %s", a)
	}
}
