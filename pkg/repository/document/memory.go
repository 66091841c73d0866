package document

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// MemoryProvider keeps documents in process memory. It implements the full provider
// contract with atomic batches and honors ttl and unique keys, which makes it the
// reference for the other providers and the default for tests.
//
// Charge is the number of documents examined.
type MemoryProvider struct {
	mu         sync.RWMutex
	containers map[string]*memContainer
	clock      func() time.Time
	pageSize   int
	log        logger.Logger
	closed     bool
}

type memContainer struct {
	desc repository.ContainerDescriptor
	docs map[repository.Key]repository.Document
}

// MemoryOption configures a MemoryProvider.
type MemoryOption func(*MemoryProvider)

// WithMemoryClock sets the time source for _ts and ttl expiry.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(p *MemoryProvider) { p.clock = clock }
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(log logger.Logger) MemoryOption {
	return func(p *MemoryProvider) { p.log = log }
}

// WithMemoryStreamPageSize sets how many documents Stream reads per step.
func WithMemoryStreamPageSize(n int) MemoryOption {
	return func(p *MemoryProvider) { p.pageSize = n }
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider(opts ...MemoryOption) *MemoryProvider {
	p := &MemoryProvider{
		containers: make(map[string]*memContainer),
		clock:      time.Now,
		pageSize:   DefaultStreamPageSize,
		log:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureContainer registers the container and its metadata.
func (p *MemoryProvider) EnsureContainer(ctx context.Context, desc repository.ContainerDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if c, ok := p.containers[desc.Name]; ok {
		c.desc = desc
		return nil
	}
	p.containers[desc.Name] = &memContainer{desc: desc, docs: make(map[repository.Key]repository.Document)}
	p.log.Debug("memory container ready", "container", desc.Name)
	return nil
}

// container returns the named container, creating it on first use. Callers hold p.mu.
func (p *MemoryProvider) container(name string) *memContainer {
	c, ok := p.containers[name]
	if !ok {
		c = &memContainer{
			desc: repository.ContainerDescriptor{Name: name, PartitionKeyPath: "/id"},
			docs: make(map[repository.Key]repository.Document),
		}
		p.containers[name] = c
	}
	return c
}

func (p *MemoryProvider) enter(ctx context.Context, write bool) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if write {
		p.mu.Lock()
	} else {
		p.mu.RLock()
	}
	unlock := p.mu.RUnlock
	if write {
		unlock = p.mu.Unlock
	}
	if p.closed {
		unlock()
		return nil, ErrClosed
	}
	return unlock, nil
}

// live returns the stored document when present and not expired.
func (p *MemoryProvider) live(c *memContainer, key repository.Key) (repository.Document, bool) {
	doc, ok := c.docs[key]
	if !ok {
		return nil, false
	}
	if exp := repository.ExpiresAt(doc, c.desc.DefaultTTL); !exp.IsZero() && !p.clock().Before(exp) {
		return nil, false
	}
	return doc, true
}

// Get returns a copy of the stored document.
func (p *MemoryProvider) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	unlock, err := p.enter(ctx, false)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()
	c, ok := p.containers[container]
	if !ok {
		return nil, 1, repository.ErrNotFound
	}
	doc, ok := p.live(c, key)
	if !ok {
		return nil, 1, repository.ErrNotFound
	}
	return clone(doc), 1, nil
}

// GetMany returns the documents found under keys.
func (p *MemoryProvider) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	unlock, err := p.enter(ctx, false)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()
	c, ok := p.containers[container]
	if !ok {
		return nil, float64(len(keys)), nil
	}
	out := make([]repository.Document, 0, len(keys))
	for _, key := range keys {
		if doc, ok := p.live(c, key); ok {
			out = append(out, clone(doc))
		}
	}
	return out, float64(len(keys)), nil
}

// Query evaluates plan over a snapshot of the container.
func (p *MemoryProvider) Query(ctx context.Context, container string, plan query.Plan) (repository.QueryResult, error) {
	unlock, err := p.enter(ctx, false)
	if err != nil {
		return repository.QueryResult{}, err
	}
	defer unlock()
	matched, scanned, err := p.match(p.containers[container], plan.PartitionKey, plan.Predicate())
	if err != nil {
		return repository.QueryResult{}, err
	}
	sortDocuments(matched, plan.Ordering())
	matched = window(matched, plan.Skip, plan.Limit)
	out := make([]repository.Document, len(matched))
	for i, doc := range matched {
		out[i] = clone(doc)
	}
	return repository.QueryResult{Documents: out, Charge: float64(scanned)}, nil
}

func (p *MemoryProvider) match(c *memContainer, partition string, pred query.Predicate) ([]repository.Document, int, error) {
	if c == nil {
		return nil, 0, nil
	}
	var out []repository.Document
	scanned := 0
	for key := range c.docs {
		if partition != "" && key.PartitionKey != partition {
			continue
		}
		doc, ok := p.live(c, key)
		if !ok {
			continue
		}
		scanned++
		ok, err := query.Match(pred, doc)
		if err != nil {
			return nil, scanned, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, scanned, nil
}

// Stream pages through the result with keyset queries, one page in memory at a time.
func (p *MemoryProvider) Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[repository.Document, error] {
	return paginate(ctx, plan, p.pageSize, func(ctx context.Context, next query.Plan) (repository.QueryResult, error) {
		return p.Query(ctx, container, next)
	})
}

// Count returns the number of matching documents.
func (p *MemoryProvider) Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error) {
	unlock, err := p.enter(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	defer unlock()
	matched, scanned, err := p.match(p.containers[container], "", filter)
	if err != nil {
		return 0, float64(scanned), err
	}
	return int64(len(matched)), float64(scanned), nil
}

// Raw runs a JSON equality filter such as {"status": "@status", "owner.city": "Rome"}.
// String values starting with @ are replaced by the named parameter.
func (p *MemoryProvider) Raw(ctx context.Context, container string, raw repository.RawQuery) (repository.QueryResult, error) {
	filter, err := parseRawFilter(raw)
	if err != nil {
		return repository.QueryResult{}, err
	}
	return p.Query(ctx, container, query.Plan{Filter: filter, Sort: query.WithTiebreak(nil)})
}

func parseRawFilter(raw repository.RawQuery) (query.Predicate, error) {
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return nil, nil
	}
	decoded, err := patch.Decode([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: raw filter: %v", query.ErrInvalidPredicate, err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: raw filter must be a JSON object", query.ErrInvalidPredicate)
	}
	terms := make([]query.Predicate, 0, len(fields))
	for path, value := range fields {
		if s, ok := value.(string); ok && strings.HasPrefix(s, "@") {
			param, ok := raw.Params[strings.TrimPrefix(s, "@")]
			if !ok {
				return nil, fmt.Errorf("%w: missing parameter %s", query.ErrInvalidPredicate, s)
			}
			if value, err = patch.Normalize(param); err != nil {
				return nil, err
			}
		}
		terms = append(terms, query.Eq(path, value))
	}
	return query.And(terms...), nil
}

// Create stores a new document.
func (p *MemoryProvider) Create(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(s *memStage) (repository.Document, error) {
		return s.create(req)
	})
}

// Upsert creates or replaces a document.
func (p *MemoryProvider) Upsert(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(s *memStage) (repository.Document, error) {
		return s.upsert(req)
	})
}

// Replace overwrites an existing document.
func (p *MemoryProvider) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(s *memStage) (repository.Document, error) {
		return s.replace(req)
	})
}

// Patch applies operations atomically.
func (p *MemoryProvider) Patch(ctx context.Context, container string, req repository.PatchRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(s *memStage) (repository.Document, error) {
		return s.patch(req)
	})
}

// Delete removes a document.
func (p *MemoryProvider) Delete(ctx context.Context, container string, req repository.DeleteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(s *memStage) (repository.Document, error) {
		return s.remove(req)
	})
}

// Batch applies every operation or none.
func (p *MemoryProvider) Batch(ctx context.Context, container string, req repository.BatchRequest) (repository.BatchResult, error) {
	unlock, err := p.enter(ctx, true)
	if err != nil {
		return repository.BatchResult{}, err
	}
	defer unlock()
	stage := p.stage(p.container(container))
	items := make([]repository.BatchItemResult, len(req.Operations))
	for i, op := range req.Operations {
		if op.Key.PartitionKey != req.PartitionKey {
			return repository.BatchResult{}, fmt.Errorf("item %d: %w", i, repository.ErrPartitionMismatch)
		}
		doc, err := stage.apply(op)
		if err != nil {
			return repository.BatchResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		items[i] = repository.BatchItemResult{Key: op.Key, Document: clone(doc), ETag: repository.ETagOf(doc)}
	}
	stage.commit()
	return repository.BatchResult{Atomic: true, Items: items, Charge: float64(len(items))}, nil
}

// Close releases the stored documents.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.containers = nil
	return nil
}

func (p *MemoryProvider) write(ctx context.Context, container string, fn func(*memStage) (repository.Document, error)) (repository.WriteResult, error) {
	unlock, err := p.enter(ctx, true)
	if err != nil {
		return repository.WriteResult{}, err
	}
	defer unlock()
	stage := p.stage(p.container(container))
	doc, err := fn(stage)
	if err != nil {
		return repository.WriteResult{}, err
	}
	stage.commit()
	if doc == nil {
		return repository.WriteResult{Charge: 1}, nil
	}
	return repository.Result(clone(doc), 1), nil
}

// memStage buffers writes against a container until commit.
type memStage struct {
	p       *MemoryProvider
	c       *memContainer
	pending map[repository.Key]repository.Document
	deleted map[repository.Key]bool
}

func (p *MemoryProvider) stage(c *memContainer) *memStage {
	return &memStage{
		p:       p,
		c:       c,
		pending: make(map[repository.Key]repository.Document),
		deleted: make(map[repository.Key]bool),
	}
}

func (s *memStage) get(key repository.Key) (repository.Document, bool) {
	if s.deleted[key] {
		return nil, false
	}
	if doc, ok := s.pending[key]; ok {
		return doc, true
	}
	return s.p.live(s.c, key)
}

func (s *memStage) put(key repository.Key, doc repository.Document) error {
	if err := s.checkUnique(key, doc); err != nil {
		return err
	}
	repository.Stamp(doc, s.p.clock())
	delete(s.deleted, key)
	s.pending[key] = doc
	return nil
}

func (s *memStage) checkUnique(key repository.Key, doc repository.Document) error {
	for _, uk := range s.c.desc.UniqueKeys {
		want := uniqueValues(doc, uk)
		for other := range s.c.docs {
			if other == key || other.PartitionKey != key.PartitionKey {
				continue
			}
			existing, ok := s.get(other)
			if ok && slicesEqual(uniqueValues(existing, uk), want) {
				return fmt.Errorf("%w: unique key %s violated", repository.ErrConflict, uk.Name)
			}
		}
		for other, existing := range s.pending {
			if other != key && other.PartitionKey == key.PartitionKey && slicesEqual(uniqueValues(existing, uk), want) {
				return fmt.Errorf("%w: unique key %s violated", repository.ErrConflict, uk.Name)
			}
		}
	}
	return nil
}

func uniqueValues(doc repository.Document, uk repository.UniqueKey) []string {
	out := make([]string, len(uk.Paths))
	for i, path := range uk.Paths {
		dotted, err := patch.Dotted(path)
		if err != nil {
			dotted = strings.TrimPrefix(path, "/")
		}
		v, _ := query.Lookup(doc, dotted)
		raw, _ := json.Marshal(v)
		out[i] = string(raw)
	}
	return out
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *memStage) create(req repository.WriteRequest) (repository.Document, error) {
	if _, exists := s.get(req.Key); exists {
		return nil, repository.ErrConflict
	}
	doc := clone(req.Document)
	return doc, s.put(req.Key, doc)
}

func (s *memStage) upsert(req repository.WriteRequest) (repository.Document, error) {
	current, _ := s.get(req.Key)
	doc, err := req.Merge(current)
	if err != nil {
		return nil, err
	}
	return doc, s.put(req.Key, doc)
}

func (s *memStage) replace(req repository.WriteRequest) (repository.Document, error) {
	current, exists := s.get(req.Key)
	if !exists {
		return nil, repository.ErrNotFound
	}
	doc, err := req.Merge(current)
	if err != nil {
		return nil, err
	}
	return doc, s.put(req.Key, doc)
}

func (s *memStage) patch(req repository.PatchRequest) (repository.Document, error) {
	current, exists := s.get(req.Key)
	if !exists {
		return nil, repository.ErrNotFound
	}
	if err := repository.CheckETag(current, req.IfMatch); err != nil {
		return nil, err
	}
	ok, err := query.Match(req.Condition, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrConditionFailed
	}
	doc, err := patch.Apply(current, req.Operations)
	if err != nil {
		return nil, err
	}
	return doc, s.put(req.Key, doc)
}

func (s *memStage) remove(req repository.DeleteRequest) (repository.Document, error) {
	current, exists := s.get(req.Key)
	if !exists {
		return nil, repository.ErrNotFound
	}
	if err := repository.CheckETag(current, req.IfMatch); err != nil {
		return nil, err
	}
	delete(s.pending, req.Key)
	s.deleted[req.Key] = true
	return nil, nil
}

func (s *memStage) apply(op repository.BatchOperation) (repository.Document, error) {
	switch op.Kind {
	case repository.BatchCreate:
		return s.create(repository.WriteRequest{Key: op.Key, Document: op.Document})
	case repository.BatchUpsert:
		return s.upsert(op.WriteRequest())
	case repository.BatchReplace:
		return s.replace(op.WriteRequest())
	case repository.BatchPatch:
		return s.patch(op.PatchRequest())
	case repository.BatchDelete:
		return s.remove(repository.DeleteRequest{Key: op.Key, IfMatch: op.IfMatch})
	}
	return nil, fmt.Errorf("unknown batch operation %q", op.Kind)
}

func (s *memStage) commit() {
	for key := range s.deleted {
		delete(s.c.docs, key)
	}
	for key, doc := range s.pending {
		s.c.docs[key] = doc
	}
}

func clone(doc repository.Document) repository.Document {
	out, _ := patch.Clone(doc).(map[string]any)
	return out
}
