package document

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// mongoRewriteAttempts bounds the optimistic read-modify-write loop of patches
// and guarded writes.
const mongoRewriteAttempts = 5

// MongoProvider stores each container in a collection of the same name. Documents keep
// their fields at the top level next to a compound _id of partition key and id, the
// partition key in _pk and the ttl expiry in _expiresAt, which a TTL index purges.
//
// Single writes are conditional on the stored _etag and need no transaction. Batches
// run in a multi-document transaction, which requires a replica set.
//
// Raw queries take a MongoDB extended JSON filter document; string values of the form
// "@name" are replaced by parameters.
//
// Charge is the number of documents returned.
type MongoProvider struct {
	exec     MongoExecutor
	log      logger.Logger
	clock    func() time.Time
	pageSize int
	descs    *descriptorSet
}

// MongoOption configures a MongoProvider.
type MongoOption func(*MongoProvider)

// WithMongoClock sets the time source for _ts and ttl expiry.
func WithMongoClock(clock func() time.Time) MongoOption {
	return func(p *MongoProvider) { p.clock = clock }
}

// WithMongoLogger sets the logger.
func WithMongoLogger(log logger.Logger) MongoOption {
	return func(p *MongoProvider) { p.log = log }
}

// WithMongoStreamPageSize sets the cursor batch size used while streaming.
func WithMongoStreamPageSize(n int) MongoOption {
	return func(p *MongoProvider) { p.pageSize = n }
}

// NewMongoProvider creates a provider over exec.
func NewMongoProvider(exec MongoExecutor, opts ...MongoOption) (*MongoProvider, error) {
	if exec == nil {
		return nil, fmt.Errorf("mongodb executor is required")
	}
	p := &MongoProvider{
		exec:     exec,
		log:      logger.NewNop(),
		clock:    time.Now,
		pageSize: DefaultStreamPageSize,
		descs:    newDescriptorSet(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// EnsureContainer creates the TTL, partition and unique key indexes of the collection.
func (p *MongoProvider) EnsureContainer(ctx context.Context, desc repository.ContainerDescriptor) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: mongoExpiresField, Value: 1}},
			Options: options.Index().SetName("ttl").SetExpireAfterSeconds(0),
		},
		{
			Keys:    bson.D{{Key: mongoPartitionField, Value: 1}},
			Options: options.Index().SetName("partition"),
		},
	}
	for _, uk := range desc.UniqueKeys {
		keys := bson.D{{Key: mongoPartitionField, Value: 1}}
		for _, path := range uk.Paths {
			dotted, err := patch.Dotted(path)
			if err != nil {
				return fmt.Errorf("unique key %s: %w", uk.Name, err)
			}
			keys = append(keys, bson.E{Key: dotted, Value: 1})
		}
		models = append(models, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetName("uk_" + uk.Name).SetUnique(true),
		})
	}
	if err := p.exec.CreateIndexes(ctx, desc.Name, models); err != nil {
		return fmt.Errorf("ensure collection %s: %w", desc.Name, err)
	}
	p.descs.put(desc)
	p.log.Debug("mongodb collection ready", "collection", desc.Name, "indexes", len(models))
	return nil
}

// live matches documents whose ttl has not elapsed. The TTL monitor runs about once a
// minute, so expired documents can still be stored.
func (p *MongoProvider) live() bson.M {
	return bson.M{"$or": bson.A{
		bson.M{mongoExpiresField: nil},
		bson.M{mongoExpiresField: bson.M{"$gt": p.clock().UTC()}},
	}}
}

func (p *MongoProvider) scope(partition string, pred query.Predicate) (bson.M, error) {
	filter, err := mongoFilter(pred)
	if err != nil {
		return nil, err
	}
	terms := bson.A{p.live()}
	if partition != "" {
		terms = append(terms, bson.M{mongoPartitionField: partition})
	}
	if len(filter) > 0 {
		terms = append(terms, filter)
	}
	return bson.M{"$and": terms}, nil
}

func (p *MongoProvider) keyFilter(key repository.Key, ifMatch string) bson.M {
	terms := bson.A{bson.M{mongoIDField: mongoKey(key)}, p.live()}
	if ifMatch != "" {
		terms = append(terms, bson.M{repository.ETagField: ifMatch})
	}
	return bson.M{"$and": terms}
}

// Get returns the document under key.
func (p *MongoProvider) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	stored, err := p.exec.FindOne(ctx, container, p.keyFilter(key, ""))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, 1, repository.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get %s: %w", key.ID, err)
	}
	return fromMongo(stored), 1, nil
}

// GetMany returns the documents found under keys with one query.
func (p *MongoProvider) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	if len(keys) == 0 {
		return nil, 0, nil
	}
	ids := make(bson.A, len(keys))
	for i, k := range keys {
		ids[i] = mongoKey(k)
	}
	filter := bson.M{"$and": bson.A{bson.M{mongoIDField: bson.M{"$in": ids}}, p.live()}}
	cur, err := p.exec.Find(ctx, container, filter, options.Find())
	if err != nil {
		return nil, 0, fmt.Errorf("get many: %w", err)
	}
	docs, err := drainMongo(ctx, cur)
	if err != nil {
		return nil, 0, fmt.Errorf("get many: %w", err)
	}
	return docs, float64(len(docs)), nil
}

func (p *MongoProvider) findOptions(plan query.Plan) *options.FindOptions {
	opts := options.Find().SetSort(mongoSort(plan.Ordering()))
	if plan.Skip > 0 {
		opts.SetSkip(int64(plan.Skip))
	}
	if plan.Limit > 0 {
		opts.SetLimit(int64(plan.Limit))
	}
	return opts
}

// Query runs plan as one find.
func (p *MongoProvider) Query(ctx context.Context, container string, plan query.Plan) (repository.QueryResult, error) {
	filter, err := p.scope(plan.PartitionKey, plan.Predicate())
	if err != nil {
		return repository.QueryResult{}, err
	}
	cur, err := p.exec.Find(ctx, container, filter, p.findOptions(plan))
	if err != nil {
		return repository.QueryResult{}, fmt.Errorf("query %s: %w", container, err)
	}
	docs, err := drainMongo(ctx, cur)
	if err != nil {
		return repository.QueryResult{}, fmt.Errorf("query %s: %w", container, err)
	}
	return repository.QueryResult{Documents: docs, Charge: float64(len(docs))}, nil
}

// Stream reads the result through one server cursor fetching pageSize documents per
// batch.
func (p *MongoProvider) Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[repository.Document, error] {
	return func(yield func(repository.Document, error) bool) {
		filter, err := p.scope(plan.PartitionKey, plan.Predicate())
		if err != nil {
			yield(nil, err)
			return
		}
		opts := p.findOptions(plan)
		if p.pageSize > 0 {
			opts.SetBatchSize(int32(p.pageSize))
		}
		cur, err := p.exec.Find(ctx, container, filter, opts)
		if err != nil {
			yield(nil, fmt.Errorf("stream %s: %w", container, err))
			return
		}
		defer func() {
			if err := cur.Close(context.Background()); err != nil {
				p.log.Warn("failed to close mongodb cursor", "collection", container, "error", err)
			}
		}()
		for cur.Next(ctx) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			stored := bson.M{}
			if err := cur.Decode(&stored); err != nil {
				yield(nil, err)
				return
			}
			if !yield(fromMongo(stored), nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if err := cur.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func drainMongo(ctx context.Context, cur MongoCursor) ([]repository.Document, error) {
	defer func() { _ = cur.Close(context.Background()) }()
	var docs []repository.Document
	for cur.Next(ctx) {
		stored := bson.M{}
		if err := cur.Decode(&stored); err != nil {
			return nil, err
		}
		docs = append(docs, fromMongo(stored))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Count returns the number of matching documents.
func (p *MongoProvider) Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error) {
	f, err := p.scope("", filter)
	if err != nil {
		return 0, 0, err
	}
	n, err := p.exec.CountDocuments(ctx, container, f)
	if err != nil {
		return 0, 0, fmt.Errorf("count %s: %w", container, err)
	}
	return n, 1, nil
}

// Raw runs an extended JSON filter document, ordered by id.
func (p *MongoProvider) Raw(ctx context.Context, container string, raw repository.RawQuery) (repository.QueryResult, error) {
	filter := bson.M{}
	if text := strings.TrimSpace(raw.Text); text != "" {
		if err := bson.UnmarshalExtJSON([]byte(text), false, &filter); err != nil {
			return repository.QueryResult{}, fmt.Errorf("%w: raw filter: %v", query.ErrInvalidPredicate, err)
		}
	}
	if _, err := bindMongoParams(filter, raw.Params); err != nil {
		return repository.QueryResult{}, err
	}
	terms := bson.A{p.live()}
	if len(filter) > 0 {
		terms = append(terms, filter)
	}
	opts := options.Find().SetSort(bson.D{{Key: query.IDField, Value: 1}})
	cur, err := p.exec.Find(ctx, container, bson.M{"$and": terms}, opts)
	if err != nil {
		return repository.QueryResult{}, fmt.Errorf("raw query %s: %w", container, err)
	}
	docs, err := drainMongo(ctx, cur)
	if err != nil {
		return repository.QueryResult{}, fmt.Errorf("raw query %s: %w", container, err)
	}
	return repository.QueryResult{Documents: docs, Charge: float64(len(docs))}, nil
}

// Create inserts a new document. An expired document still holding the key is
// overwritten.
func (p *MongoProvider) Create(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(p.writer(container).create(ctx, req))
}

// Upsert creates or replaces a document.
func (p *MongoProvider) Upsert(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(p.writer(container).upsert(ctx, req))
}

// Replace overwrites an existing document.
func (p *MongoProvider) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(p.writer(container).replace(ctx, req))
}

// Patch reads, applies and conditionally replaces the document, retrying when a
// concurrent writer changed it in between. Upserts and replaces that carry a
// Condition or preserved fields take the same path.
func (p *MongoProvider) Patch(ctx context.Context, container string, req repository.PatchRequest) (repository.WriteResult, error) {
	return p.write(p.writer(container).patch(ctx, req))
}

// Delete removes a document.
func (p *MongoProvider) Delete(ctx context.Context, container string, req repository.DeleteRequest) (repository.WriteResult, error) {
	return p.write(p.writer(container).remove(ctx, req))
}

// Batch runs every operation in one transaction.
func (p *MongoProvider) Batch(ctx context.Context, container string, req repository.BatchRequest) (repository.BatchResult, error) {
	for i, op := range req.Operations {
		if op.Key.PartitionKey != req.PartitionKey {
			return repository.BatchResult{}, fmt.Errorf("item %d: %w", i, repository.ErrPartitionMismatch)
		}
	}
	w := p.writer(container)
	var items []repository.BatchItemResult
	err := p.exec.WithTransaction(ctx, func(txCtx context.Context) error {
		items = make([]repository.BatchItemResult, len(req.Operations))
		for i, op := range req.Operations {
			doc, err := w.apply(txCtx, op)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			items[i] = repository.BatchItemResult{Key: op.Key, Document: doc, ETag: repository.ETagOf(doc)}
		}
		return nil
	})
	if err != nil {
		return repository.BatchResult{}, err
	}
	return repository.BatchResult{Atomic: true, Items: items, Charge: float64(len(items))}, nil
}

// Close is a no-op; the adapter belongs to the caller.
func (p *MongoProvider) Close() error { return nil }

func (p *MongoProvider) write(doc repository.Document, err error) (repository.WriteResult, error) {
	if err != nil {
		return repository.WriteResult{}, err
	}
	if doc == nil {
		return repository.WriteResult{Charge: 1}, nil
	}
	return repository.Result(doc, 1), nil
}

func (p *MongoProvider) writer(container string) mongoWriter {
	return mongoWriter{p: p, coll: container, desc: p.descs.get(container)}
}

// mongoWriter applies the write rules to one collection.
type mongoWriter struct {
	p    *MongoProvider
	coll string
	desc repository.ContainerDescriptor
}

// stored stamps doc and returns its stored form.
func (w mongoWriter) stored(key repository.Key, doc repository.Document) bson.M {
	repository.Stamp(doc, w.p.clock())
	return toMongo(key, doc, repository.ExpiresAt(doc, w.desc.DefaultTTL))
}

func (w mongoWriter) conflict(err error, key repository.Key) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", repository.ErrConflict, key.ID)
	}
	return fmt.Errorf("write %s: %w", key.ID, err)
}

// missing tells a missing document from a stale tag after a conditional write
// matched nothing.
func (w mongoWriter) missing(ctx context.Context, key repository.Key) error {
	_, err := w.p.exec.FindOne(ctx, w.coll, w.p.keyFilter(key, ""))
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return repository.ErrNotFound
	case err != nil:
		return fmt.Errorf("load %s: %w", key.ID, err)
	}
	return repository.ErrPreconditionFailed
}

func (w mongoWriter) create(ctx context.Context, req repository.WriteRequest) (repository.Document, error) {
	doc := clone(req.Document)
	item := w.stored(req.Key, doc)
	err := w.p.exec.InsertOne(ctx, w.coll, item)
	if err == nil {
		return doc, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("create %s: %w", req.Key.ID, err)
	}
	expired := bson.M{mongoIDField: mongoKey(req.Key), mongoExpiresField: bson.M{"$lte": w.p.clock().UTC()}}
	n, err := w.p.exec.ReplaceOne(ctx, w.coll, expired, item, false)
	if err != nil {
		return nil, w.conflict(err, req.Key)
	}
	if n == 0 {
		return nil, repository.ErrConflict
	}
	return doc, nil
}

func (w mongoWriter) upsert(ctx context.Context, req repository.WriteRequest) (repository.Document, error) {
	if req.ReadsStored() {
		return w.rewrite(ctx, req.Key, true, req.Merge)
	}
	doc := clone(req.Document)
	item := w.stored(req.Key, doc)
	if req.IfMatch == "" {
		if _, err := w.p.exec.ReplaceOne(ctx, w.coll, bson.M{mongoIDField: mongoKey(req.Key)}, item, true); err != nil {
			return nil, w.conflict(err, req.Key)
		}
		return doc, nil
	}
	n, err := w.p.exec.ReplaceOne(ctx, w.coll, w.p.keyFilter(req.Key, req.IfMatch), item, false)
	if err != nil {
		return nil, w.conflict(err, req.Key)
	}
	if n == 0 {
		return nil, repository.ErrPreconditionFailed
	}
	return doc, nil
}

func (w mongoWriter) replace(ctx context.Context, req repository.WriteRequest) (repository.Document, error) {
	if req.ReadsStored() {
		return w.rewrite(ctx, req.Key, false, req.Merge)
	}
	doc := clone(req.Document)
	item := w.stored(req.Key, doc)
	n, err := w.p.exec.ReplaceOne(ctx, w.coll, w.p.keyFilter(req.Key, req.IfMatch), item, false)
	if err != nil {
		return nil, w.conflict(err, req.Key)
	}
	if n == 0 {
		return nil, w.missing(ctx, req.Key)
	}
	return doc, nil
}

func (w mongoWriter) patch(ctx context.Context, req repository.PatchRequest) (repository.Document, error) {
	return w.rewrite(ctx, req.Key, false, func(current repository.Document) (repository.Document, error) {
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
		return patch.Apply(current, req.Operations)
	})
}

// rewrite reads the live document, computes its successor with next and writes it
// only if the document did not change in between. next receives nil for a missing
// document when insert is set; otherwise a missing document is ErrNotFound.
func (w mongoWriter) rewrite(ctx context.Context, key repository.Key, insert bool, next func(repository.Document) (repository.Document, error)) (repository.Document, error) {
	lastErr := fmt.Errorf("%w: document kept changing during write", repository.ErrPreconditionFailed)
	for attempt := 0; attempt < mongoRewriteAttempts; attempt++ {
		var current repository.Document
		stored, err := w.p.exec.FindOne(ctx, w.coll, w.p.keyFilter(key, ""))
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			if !insert {
				return nil, repository.ErrNotFound
			}
		case err != nil:
			return nil, fmt.Errorf("load %s: %w", key.ID, err)
		default:
			current = fromMongo(stored)
		}
		doc, err := next(current)
		if err != nil {
			return nil, err
		}
		if current == nil {
			doc, err = w.create(ctx, repository.WriteRequest{Key: key, Document: doc})
			if !errors.Is(err, repository.ErrConflict) {
				return doc, err
			}
			lastErr = err
		} else {
			n, err := w.p.exec.ReplaceOne(ctx, w.coll, w.p.keyFilter(key, repository.ETagOf(current)), w.stored(key, doc), false)
			if err != nil {
				return nil, w.conflict(err, key)
			}
			if n == 1 {
				return doc, nil
			}
		}
		w.p.log.Debug("concurrent write detected, retrying", "collection", w.coll, "id", key.ID, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (w mongoWriter) remove(ctx context.Context, req repository.DeleteRequest) (repository.Document, error) {
	n, err := w.p.exec.DeleteOne(ctx, w.coll, w.p.keyFilter(req.Key, req.IfMatch))
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", req.Key.ID, err)
	}
	if n == 0 {
		return nil, w.missing(ctx, req.Key)
	}
	return nil, nil
}

func (w mongoWriter) apply(ctx context.Context, op repository.BatchOperation) (repository.Document, error) {
	switch op.Kind {
	case repository.BatchCreate:
		return w.create(ctx, repository.WriteRequest{Key: op.Key, Document: op.Document})
	case repository.BatchUpsert:
		return w.upsert(ctx, op.WriteRequest())
	case repository.BatchReplace:
		return w.replace(ctx, op.WriteRequest())
	case repository.BatchPatch:
		return w.patch(ctx, op.PatchRequest())
	case repository.BatchDelete:
		return w.remove(ctx, repository.DeleteRequest{Key: op.Key, IfMatch: op.IfMatch})
	}
	return nil, fmt.Errorf("unknown batch operation %q", op.Kind)
}
