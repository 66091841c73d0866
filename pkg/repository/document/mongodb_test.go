package document

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

var mongoTestNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeCursor struct {
	docs   []bson.M
	pos    int
	closed bool
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val interface{}) error {
	out, ok := val.(*bson.M)
	if !ok {
		return errors.New("unexpected decode target")
	}
	*out = bson.M{}
	for k, v := range c.docs[c.pos-1] {
		(*out)[k] = v
	}
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(context.Context) error {
	c.closed = true
	return nil
}

// fakeMongo records calls and answers from canned results.
type fakeMongo struct {
	findOne    func(filter bson.M) (bson.M, error)
	cursor     *fakeCursor
	count      int64
	insertErr  error
	replaceN   []int64
	replaceErr error
	deleteN    int64

	filters        []bson.M
	findOpts       []*options.FindOptions
	inserted       []bson.M
	replaced       []bson.M
	replaceFilters []bson.M
	upserts        []bool
	indexes        []mongo.IndexModel
	txCalls        int
}

func (f *fakeMongo) FindOne(_ context.Context, _ string, filter bson.M) (bson.M, error) {
	f.filters = append(f.filters, filter)
	if f.findOne == nil {
		return nil, mongo.ErrNoDocuments
	}
	return f.findOne(filter)
}

func (f *fakeMongo) Find(_ context.Context, _ string, filter bson.M, opts *options.FindOptions) (MongoCursor, error) {
	f.filters = append(f.filters, filter)
	f.findOpts = append(f.findOpts, opts)
	if f.cursor == nil {
		return &fakeCursor{}, nil
	}
	return f.cursor, nil
}

func (f *fakeMongo) CountDocuments(_ context.Context, _ string, filter bson.M) (int64, error) {
	f.filters = append(f.filters, filter)
	return f.count, nil
}

func (f *fakeMongo) InsertOne(_ context.Context, _ string, document bson.M) error {
	f.inserted = append(f.inserted, document)
	return f.insertErr
}

func (f *fakeMongo) ReplaceOne(_ context.Context, _ string, filter, document bson.M, upsert bool) (int64, error) {
	f.replaceFilters = append(f.replaceFilters, filter)
	f.replaced = append(f.replaced, document)
	f.upserts = append(f.upserts, upsert)
	if f.replaceErr != nil {
		return 0, f.replaceErr
	}
	if len(f.replaceN) == 0 {
		return 1, nil
	}
	n := f.replaceN[0]
	f.replaceN = f.replaceN[1:]
	return n, nil
}

func (f *fakeMongo) DeleteOne(_ context.Context, _ string, filter bson.M) (int64, error) {
	f.filters = append(f.filters, filter)
	return f.deleteN, nil
}

func (f *fakeMongo) CreateIndexes(_ context.Context, _ string, models []mongo.IndexModel) error {
	f.indexes = append(f.indexes, models...)
	return nil
}

func (f *fakeMongo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.txCalls++
	return fn(ctx)
}

func newMongoTestProvider(t *testing.T, exec *fakeMongo) *MongoProvider {
	t.Helper()
	p, err := NewMongoProvider(exec, WithMongoClock(func() time.Time { return mongoTestNow }))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

var duplicateKey = mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}}

func TestMongoFilter(t *testing.T) {
	tests := []struct {
		name string
		pred query.Predicate
		want bson.M
	}{
		{name: "all", pred: nil, want: bson.M{}},
		{name: "eq", pred: query.Eq("status", "open"), want: bson.M{"status": bson.M{"$eq": "open"}}},
		{
			name: "not deleted",
			pred: query.NotDeleted(),
			want: bson.M{"$nor": bson.A{bson.M{"isDeleted": bson.M{"$eq": true}}}},
		},
		{
			name: "conjunction",
			pred: query.And(query.Gte("total", int64(10)), query.In("status", "open", "paid")),
			want: bson.M{"$and": bson.A{
				bson.M{"total": bson.M{"$gte": int64(10)}},
				bson.M{"status": bson.M{"$in": bson.A{"open", "paid"}}},
			}},
		},
		{name: "empty or", pred: query.OrExpr{}, want: mongoNever},
		{
			name: "prefix is quoted",
			pred: query.HasPrefix("code", "a.b"),
			want: bson.M{"code": bson.M{"$regex": primitive.Regex{Pattern: `^a\.b`}}},
		},
		{name: "exists", pred: query.Exists("a.b"), want: bson.M{"a.b": bson.M{"$ne": nil}}},
		{name: "gte null", pred: query.Gte("a", nil), want: bson.M{"a": bson.M{"$exists": true}}},
		{name: "lt null", pred: query.Lt("a", nil), want: mongoNever},
		{name: "lte null", pred: query.Lte("a", nil), want: bson.M{"a": bson.M{"$type": "null"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mongoFilter(tt.pred)
			if err != nil {
				t.Fatalf("filter: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("filter = %#v, want %#v", got, tt.want)
			}
		})
	}

	if _, err := mongoFilter(query.Comparison{Path: "a", Op: query.OpIn, Value: 1}); !errors.Is(err, query.ErrInvalidPredicate) {
		t.Fatalf("expected ErrInvalidPredicate, got %v", err)
	}
}

func TestFromMongo(t *testing.T) {
	stored := bson.M{
		"_id":        mongoKey(repository.Key{ID: "a", PartitionKey: "p"}),
		"_pk":        "p",
		"_expiresAt": primitive.NewDateTimeFromTime(mongoTestNow),
		"id":         "a",
		"qty":        int32(4),
		"address":    bson.D{{Key: "city", Value: "Rome"}},
		"tags":       bson.A{"x", bson.M{"n": int32(1)}},
	}
	want := repository.Document{
		"id":      "a",
		"qty":     int64(4),
		"address": map[string]any{"city": "Rome"},
		"tags":    []any{"x", map[string]any{"n": int64(1)}},
	}
	if got := fromMongo(stored); !reflect.DeepEqual(got, want) {
		t.Fatalf("document = %#v, want %#v", got, want)
	}
}

func TestMongoProvider_EnsureContainer(t *testing.T) {
	exec := &fakeMongo{}
	p := newMongoTestProvider(t, exec)
	err := p.EnsureContainer(context.Background(), repository.ContainerDescriptor{
		Name:             "users",
		PartitionKeyPath: "/tenant",
		UniqueKeys:       []repository.UniqueKey{{Name: "email", Paths: []string{"/contact/email"}}},
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(exec.indexes) != 3 {
		t.Fatalf("indexes = %d, want 3", len(exec.indexes))
	}
	unique := exec.indexes[2]
	wantKeys := bson.D{{Key: "_pk", Value: 1}, {Key: "contact.email", Value: 1}}
	if !reflect.DeepEqual(unique.Keys, wantKeys) || unique.Options.Unique == nil || !*unique.Options.Unique {
		t.Fatalf("unexpected unique index: %+v", unique)
	}
	if ttl := exec.indexes[0].Options.ExpireAfterSeconds; ttl == nil || *ttl != 0 {
		t.Fatalf("ttl index should expire at the stored instant")
	}
}

func TestMongoProvider_Get(t *testing.T) {
	key := repository.Key{ID: "a", PartitionKey: "p"}
	exec := &fakeMongo{findOne: func(bson.M) (bson.M, error) {
		return bson.M{"_id": mongoKey(key), "_pk": "p", "id": "a", "qty": int64(2)}, nil
	}}
	p := newMongoTestProvider(t, exec)

	doc, _, err := p.Get(context.Background(), "widgets", key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(doc, repository.Document{"id": "a", "qty": int64(2)}) {
		t.Fatalf("document = %v", doc)
	}
	if !reflect.DeepEqual(exec.filters[0], p.keyFilter(key, "")) {
		t.Fatalf("filter = %v", exec.filters[0])
	}

	exec.findOne = nil
	if _, _, err := p.Get(context.Background(), "widgets", key); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMongoProvider_Create(t *testing.T) {
	exec := &fakeMongo{}
	p := newMongoTestProvider(t, exec)
	key := repository.Key{ID: "a", PartitionKey: "p"}

	res, err := p.Create(context.Background(), "widgets", repository.WriteRequest{
		Key:      key,
		Document: repository.Document{"id": "a", "ttl": int64(30)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	item := exec.inserted[0]
	if !reflect.DeepEqual(item["_id"], mongoKey(key)) || item["_pk"] != "p" || item["_etag"] != res.ETag {
		t.Fatalf("unexpected stored form: %v", item)
	}
	if item["_expiresAt"] != mongoTestNow.Add(30*time.Second) {
		t.Fatalf("expiry = %v", item["_expiresAt"])
	}
	if _, ok := res.Document["_pk"]; ok {
		t.Fatal("stored-form fields must not leak into the post-image")
	}

	exec.insertErr = duplicateKey
	exec.replaceN = []int64{0}
	_, err = p.Create(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "a"}})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	exec.replaceN = []int64{1}
	if _, err := p.Create(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "a"}}); err != nil {
		t.Fatalf("create over an expired document: %v", err)
	}
	last := exec.replaceFilters[len(exec.replaceFilters)-1]
	if !reflect.DeepEqual(last[mongoExpiresField], bson.M{"$lte": mongoTestNow}) {
		t.Fatalf("overwrite must be limited to expired documents: %v", last)
	}
}

func TestMongoProvider_UpsertAndReplace(t *testing.T) {
	key := repository.Key{ID: "a", PartitionKey: "p"}
	exec := &fakeMongo{}
	p := newMongoTestProvider(t, exec)

	if _, err := p.Upsert(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "a"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !exec.upserts[0] {
		t.Fatal("unconditional upsert should insert missing documents")
	}

	exec.replaceN = []int64{0}
	_, err := p.Upsert(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "a"}, IfMatch: "stale"})
	if !errors.Is(err, repository.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}

	exec.replaceN = []int64{0}
	exec.findOne = func(bson.M) (bson.M, error) { return bson.M{"id": "a", "_etag": "e2"}, nil }
	_, err = p.Replace(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "a"}, IfMatch: "e1"})
	if !errors.Is(err, repository.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}

	exec.replaceN = []int64{0}
	exec.findOne = nil
	_, err = p.Replace(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "a"}})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	exec.replaceErr = duplicateKey
	_, err = p.Replace(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "a"}})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict on a unique key violation, got %v", err)
	}
}

func TestMongoProvider_GuardedWrites(t *testing.T) {
	key := repository.Key{ID: "a", PartitionKey: "p"}
	exec := &fakeMongo{
		findOne: func(bson.M) (bson.M, error) {
			return bson.M{"id": "a", "_etag": "e1", "isDeleted": true, "restoreCount": int64(1)}, nil
		},
	}
	p := newMongoTestProvider(t, exec)
	req := repository.WriteRequest{
		Key:       key,
		Document:  repository.Document{"id": "a", "v": int64(2), "isDeleted": false},
		Condition: query.NotDeleted(),
		Preserve:  []string{"isDeleted", "restoreCount"},
	}

	if _, err := p.Replace(context.Background(), "widgets", req); !errors.Is(err, repository.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if len(exec.replaced) != 0 {
		t.Fatal("a failed condition must not write")
	}

	req.Condition = nil
	res, err := p.Upsert(context.Background(), "widgets", req)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Document["isDeleted"] != true || res.Document["restoreCount"] != int64(1) || res.Document["v"] != int64(2) {
		t.Fatalf("preserved fields must keep their stored values: %v", res.Document)
	}
	if exec.upserts[0] || !reflect.DeepEqual(exec.replaceFilters[0], p.keyFilter(key, "e1")) {
		t.Fatalf("guarded write must be conditional on the read tag: %v", exec.replaceFilters[0])
	}

	exec.findOne = nil
	res, err = p.Upsert(context.Background(), "widgets", req)
	if err != nil {
		t.Fatalf("upsert insert: %v", err)
	}
	if len(exec.inserted) != 1 || res.Document["isDeleted"] != false {
		t.Fatalf("a missing document is inserted as given: %v", res.Document)
	}
	if _, err := p.Replace(context.Background(), "widgets", req); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMongoProvider_PatchRetriesOnConcurrentWrite(t *testing.T) {
	key := repository.Key{ID: "a", PartitionKey: "p"}
	exec := &fakeMongo{
		findOne: func(bson.M) (bson.M, error) {
			return bson.M{"id": "a", "_etag": "e1", "qty": int64(1)}, nil
		},
		replaceN: []int64{0, 1},
	}
	p := newMongoTestProvider(t, exec)

	res, err := p.Patch(context.Background(), "widgets", repository.PatchRequest{
		Key:        key,
		Operations: []patch.Operation{{Type: patch.OpIncrement, Path: "/qty", Value: int64(4)}},
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if res.Document["qty"] != int64(5) || len(exec.replaced) != 2 {
		t.Fatalf("unexpected patch outcome: %+v after %d writes", res, len(exec.replaced))
	}
	if !reflect.DeepEqual(exec.replaceFilters[0], p.keyFilter(key, "e1")) {
		t.Fatalf("write must be conditional on the read tag: %v", exec.replaceFilters[0])
	}

	exec.replaceN = []int64{0, 0, 0, 0, 0}
	_, err = p.Patch(context.Background(), "widgets", repository.PatchRequest{
		Key:        key,
		Operations: []patch.Operation{{Type: patch.OpSet, Path: "/qty", Value: int64(0)}},
	})
	if !errors.Is(err, repository.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed after exhausting retries, got %v", err)
	}

	_, err = p.Patch(context.Background(), "widgets", repository.PatchRequest{
		Key:        key,
		Operations: []patch.Operation{{Type: patch.OpSet, Path: "/qty", Value: int64(0)}},
		Condition:  query.Eq("qty", int64(9)),
	})
	if !errors.Is(err, repository.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestMongoProvider_Delete(t *testing.T) {
	exec := &fakeMongo{deleteN: 1}
	p := newMongoTestProvider(t, exec)
	key := repository.Key{ID: "a", PartitionKey: "p"}

	if _, err := p.Delete(context.Background(), "widgets", repository.DeleteRequest{Key: key}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exec.deleteN = 0
	if _, err := p.Delete(context.Background(), "widgets", repository.DeleteRequest{Key: key}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMongoProvider_Batch(t *testing.T) {
	exec := &fakeMongo{deleteN: 1}
	p := newMongoTestProvider(t, exec)

	res, err := p.Batch(context.Background(), "widgets", repository.BatchRequest{
		PartitionKey: "p",
		Operations: []repository.BatchOperation{
			{Kind: repository.BatchCreate, Key: repository.Key{ID: "a", PartitionKey: "p"}, Document: repository.Document{"id": "a"}},
			{Kind: repository.BatchDelete, Key: repository.Key{ID: "b", PartitionKey: "p"}},
		},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if exec.txCalls != 1 || !res.Atomic || len(res.Items) != 2 || res.Items[0].ETag == "" {
		t.Fatalf("unexpected batch outcome: %+v (transactions %d)", res, exec.txCalls)
	}

	_, err = p.Batch(context.Background(), "widgets", repository.BatchRequest{
		PartitionKey: "p",
		Operations: []repository.BatchOperation{
			{Kind: repository.BatchCreate, Key: repository.Key{ID: "c", PartitionKey: "q"}, Document: repository.Document{"id": "c"}},
		},
	})
	if !errors.Is(err, repository.ErrPartitionMismatch) || exec.txCalls != 1 {
		t.Fatalf("expected ErrPartitionMismatch without a transaction, got %v", err)
	}
}

func TestMongoProvider_Query(t *testing.T) {
	exec := &fakeMongo{cursor: &fakeCursor{docs: []bson.M{{"id": "a"}, {"id": "b"}}}}
	p := newMongoTestProvider(t, exec)

	res, err := p.Query(context.Background(), "widgets", query.Plan{
		Filter:       query.Eq("status", "open"),
		Sort:         []query.Sort{query.Desc("total")},
		Skip:         4,
		Limit:        2,
		PartitionKey: "p",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 2 || res.Charge != 2 || !exec.cursor.closed {
		t.Fatalf("unexpected result: %+v", res)
	}
	opts := exec.findOpts[0]
	wantSort := bson.D{{Key: "total", Value: -1}, {Key: "id", Value: 1}}
	if !reflect.DeepEqual(opts.Sort, wantSort) || *opts.Skip != 4 || *opts.Limit != 2 {
		t.Fatalf("unexpected options: sort=%v skip=%d limit=%d", opts.Sort, *opts.Skip, *opts.Limit)
	}
	wantFilter := bson.M{"$and": bson.A{p.live(), bson.M{"_pk": "p"}, bson.M{"status": bson.M{"$eq": "open"}}}}
	if !reflect.DeepEqual(exec.filters[0], wantFilter) {
		t.Fatalf("filter = %v", exec.filters[0])
	}
}

func TestMongoProvider_Stream(t *testing.T) {
	cursor := &fakeCursor{docs: []bson.M{{"id": "a"}, {"id": "b"}, {"id": "c"}}}
	exec := &fakeMongo{cursor: cursor}
	p, err := NewMongoProvider(exec, WithMongoStreamPageSize(2))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	var got []string
	for doc, err := range p.Stream(context.Background(), "widgets", query.Plan{}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		got = append(got, doc["id"].(string))
		if len(got) == 2 {
			break
		}
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) || !cursor.closed {
		t.Fatalf("streamed %v, cursor closed %v", got, cursor.closed)
	}
	if bs := exec.findOpts[0].BatchSize; bs == nil || *bs != 2 {
		t.Fatalf("batch size = %v", bs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec.cursor = &fakeCursor{docs: []bson.M{{"id": "a"}}}
	for _, err := range p.Stream(ctx, "widgets", query.Plan{}) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
}

func TestMongoProvider_Raw(t *testing.T) {
	exec := &fakeMongo{}
	p := newMongoTestProvider(t, exec)

	_, err := p.Raw(context.Background(), "widgets", repository.RawQuery{
		Text:   `{"status": "@status", "total": {"$gt": 10}}`,
		Params: map[string]any{"status": "open"},
	})
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	terms := exec.filters[0]["$and"].(bson.A)
	bound := terms[1].(bson.M)
	if bound["status"] != "open" {
		t.Fatalf("parameter not bound: %v", bound)
	}

	_, err = p.Raw(context.Background(), "widgets", repository.RawQuery{Text: `{"status": "@status"}`})
	if !errors.Is(err, query.ErrInvalidPredicate) {
		t.Fatalf("expected ErrInvalidPredicate for a missing parameter, got %v", err)
	}
	_, err = p.Raw(context.Background(), "widgets", repository.RawQuery{Text: `{not json`})
	if !errors.Is(err, query.ErrInvalidPredicate) {
		t.Fatalf("expected ErrInvalidPredicate for malformed JSON, got %v", err)
	}
}
