package cache

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/url"
	"sync"
	"time"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/observability/metrics"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// DefaultTTL bounds how long a cached document is served without a backend read.
const DefaultTTL = 5 * time.Minute

// Option configures a Provider.
type Option func(*Provider)

// WithTTL sets the maximum lifetime of a cache entry.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(log logger.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock sets the time source used to bound entries by document expiry.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) { p.now = clock }
}

// Provider caches point reads of an inner provider. Writes refresh the entry with the
// stored post-image; deletes and batches drop it. Queries always go to the backend.
//
// Cache failures never fail an operation: they are logged and the backend answers.
type Provider struct {
	inner repository.Provider
	store Store
	ttl   time.Duration
	log   logger.Logger
	now   func() time.Time

	mu       sync.RWMutex
	defaults map[string]*time.Duration
}

var _ repository.Provider = (*Provider)(nil)

// New wraps inner with a cache kept in store.
func New(inner repository.Provider, store Store, opts ...Option) (*Provider, error) {
	if inner == nil {
		return nil, errors.New("cache: inner provider is required")
	}
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	p := &Provider{
		inner:    inner,
		store:    store,
		ttl:      DefaultTTL,
		log:      logger.NewNop(),
		now:      time.Now,
		defaults: make(map[string]*time.Duration),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func entryKey(container string, key repository.Key) string {
	return url.PathEscape(container) + "/" + url.PathEscape(key.PartitionKey) + "/" + url.PathEscape(key.ID)
}

// EnsureContainer records the container default ttl and forwards the call.
func (p *Provider) EnsureContainer(ctx context.Context, desc repository.ContainerDescriptor) error {
	p.mu.Lock()
	p.defaults[desc.Name] = desc.DefaultTTL
	p.mu.Unlock()
	return p.inner.EnsureContainer(ctx, desc)
}

func (p *Provider) lookup(ctx context.Context, container string, key repository.Key) (repository.Document, bool) {
	start := time.Now()
	raw, err := p.store.Get(ctx, entryKey(container, key))
	metrics.ObserveCacheLatency("get", time.Since(start))
	if err != nil {
		switch {
		case errors.Is(err, ErrCacheMiss):
			metrics.RecordCacheResult(container, "miss")
		case errors.Is(err, ErrStoreUnavailable):
			metrics.RecordCacheResult(container, "bypass")
		default:
			metrics.RecordCacheResult(container, "error")
			p.log.Warn("cache read failed", "container", container, "id", key.ID, "error", err)
		}
		return nil, false
	}
	doc, err := repository.DecodeJSON(raw)
	if err != nil {
		metrics.RecordCacheResult(container, "error")
		p.log.Warn("cached document is corrupt", "container", container, "id", key.ID, "error", err)
		p.invalidate(ctx, container, key)
		return nil, false
	}
	metrics.RecordCacheResult(container, "hit")
	return doc, true
}

// entryTTL returns how long doc may stay cached; zero means it must not be cached.
func (p *Provider) entryTTL(container string, doc repository.Document) time.Duration {
	p.mu.RLock()
	defaultTTL := p.defaults[container]
	p.mu.RUnlock()
	ttl := p.ttl
	if expires := repository.ExpiresAt(doc, defaultTTL); !expires.IsZero() {
		if remaining := expires.Sub(p.now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (p *Provider) remember(ctx context.Context, container string, key repository.Key, doc repository.Document) {
	ttl := p.entryTTL(container, doc)
	if ttl <= 0 {
		p.invalidate(ctx, container, key)
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		p.log.Warn("cache encode failed", "container", container, "id", key.ID, "error", err)
		p.invalidate(ctx, container, key)
		return
	}
	start := time.Now()
	err = p.store.Set(ctx, entryKey(container, key), raw, ttl)
	metrics.ObserveCacheLatency("set", time.Since(start))
	if err != nil && !errors.Is(err, ErrStoreUnavailable) {
		p.log.Warn("cache write failed", "container", container, "id", key.ID, "error", err)
	}
}

func (p *Provider) invalidate(ctx context.Context, container string, keys ...repository.Key) {
	if len(keys) == 0 {
		return
	}
	entries := make([]string, len(keys))
	for i, key := range keys {
		entries[i] = entryKey(container, key)
	}
	start := time.Now()
	err := p.store.Delete(ctx, entries...)
	metrics.ObserveCacheLatency("delete", time.Since(start))
	if err != nil {
		p.log.Error("cache invalidation failed", "container", container, "keys", len(keys), "error", err)
	}
}

// Get serves the document from cache, reading through to the backend on a miss.
// A hit costs no charge.
func (p *Provider) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if doc, ok := p.lookup(ctx, container, key); ok {
		return doc, 0, nil
	}
	doc, charge, err := p.inner.Get(ctx, container, key)
	if err != nil {
		return nil, charge, err
	}
	p.remember(ctx, container, key, doc)
	return doc, charge, nil
}

// GetMany serves cached keys and fetches the rest in one backend call. Documents come
// back in key order; missing keys are skipped.
func (p *Provider) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	hits := make(map[int]repository.Document, len(keys))
	var misses []repository.Key
	ids := make(map[string]int)
	for i, key := range keys {
		if doc, ok := p.lookup(ctx, container, key); ok {
			hits[i] = doc
			continue
		}
		misses = append(misses, key)
		ids[key.ID]++
	}
	if len(misses) == 0 {
		out := make([]repository.Document, len(keys))
		for i := range keys {
			out[i] = hits[i]
		}
		return out, 0, nil
	}

	fetched, charge, err := p.inner.GetMany(ctx, container, misses)
	if err != nil {
		return nil, charge, err
	}
	byID := make(map[string][]repository.Document, len(fetched))
	for _, doc := range fetched {
		id, _ := doc[query.IDField].(string)
		byID[id] = append(byID[id], doc)
	}

	out := make([]repository.Document, 0, len(keys))
	for i, key := range keys {
		if doc, ok := hits[i]; ok {
			out = append(out, doc)
			continue
		}
		docs := byID[key.ID]
		if len(docs) == 0 {
			continue
		}
		doc := docs[0]
		byID[key.ID] = docs[1:]
		out = append(out, doc)
		// the same id under two partitions cannot be told apart here
		if ids[key.ID] == 1 {
			p.remember(ctx, container, key, doc)
		}
	}
	return out, charge, nil
}

// Query is not cached.
func (p *Provider) Query(ctx context.Context, container string, plan query.Plan) (repository.QueryResult, error) {
	return p.inner.Query(ctx, container, plan)
}

// Stream is not cached.
func (p *Provider) Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[repository.Document, error] {
	return p.inner.Stream(ctx, container, plan)
}

// Count is not cached.
func (p *Provider) Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error) {
	return p.inner.Count(ctx, container, filter)
}

// Raw is not cached.
func (p *Provider) Raw(ctx context.Context, container string, raw repository.RawQuery) (repository.QueryResult, error) {
	return p.inner.Raw(ctx, container, raw)
}

func (p *Provider) written(ctx context.Context, container string, key repository.Key, res repository.WriteResult, err error) (repository.WriteResult, error) {
	if err != nil {
		p.invalidate(ctx, container, key)
		return res, err
	}
	p.remember(ctx, container, key, res.Document)
	return res, nil
}

// Create stores a new document and caches it.
func (p *Provider) Create(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Create(ctx, container, req)
	return p.written(ctx, container, req.Key, res, err)
}

// Upsert stores the document and caches it.
func (p *Provider) Upsert(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Upsert(ctx, container, req)
	return p.written(ctx, container, req.Key, res, err)
}

// Replace stores the document and caches it.
func (p *Provider) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Replace(ctx, container, req)
	return p.written(ctx, container, req.Key, res, err)
}

// Patch applies the operations and caches the post-image.
func (p *Provider) Patch(ctx context.Context, container string, req repository.PatchRequest) (repository.WriteResult, error) {
	res, err := p.inner.Patch(ctx, container, req)
	return p.written(ctx, container, req.Key, res, err)
}

// Delete removes the document and its cache entry.
func (p *Provider) Delete(ctx context.Context, container string, req repository.DeleteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Delete(ctx, container, req)
	p.invalidate(ctx, container, req.Key)
	return res, err
}

// Batch forwards the batch and drops the entries of every key it names.
func (p *Provider) Batch(ctx context.Context, container string, req repository.BatchRequest) (repository.BatchResult, error) {
	res, err := p.inner.Batch(ctx, container, req)
	keys := make([]repository.Key, len(req.Operations))
	for i, op := range req.Operations {
		keys[i] = op.Key
	}
	p.invalidate(ctx, container, keys...)
	return res, err
}

// Close closes the inner provider and the store.
func (p *Provider) Close() error {
	return errors.Join(p.inner.Close(), p.store.Close())
}
