package repository

import (
	"context"
	"iter"

	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// Document is a stored document in decoded JSON form. Numbers are int64 or float64.
type Document = map[string]any

// Reserved document fields.
const (
	idField        = query.IDField
	typeField      = "type"
	ETagField      = "_etag"
	TimestampField = "_ts"
	TTLField       = "ttl"
)

// QueryResult is the output of a read.
type QueryResult struct {
	Documents []Document
	Charge    float64
}

// RawQuery is a query in the provider native language with named parameters.
type RawQuery struct {
	Text   string
	Params map[string]any
}

// WriteRequest stores a whole document.
type WriteRequest struct {
	Key      Key
	Document Document
	// IfMatch, when set, must equal the stored concurrency tag.
	IfMatch string
	// Condition must hold on the stored document or the write fails with
	// ErrConditionFailed. It is ignored when an upsert inserts.
	Condition query.Predicate
	// Preserve lists top-level fields whose stored values survive the write.
	// Fields absent from the stored document are removed from the new one.
	Preserve []string
}

// ReadsStored reports whether the write depends on the stored document.
func (r WriteRequest) ReadsStored() bool {
	return r.Condition != nil || len(r.Preserve) > 0
}

// Merge computes the document to store over stored, which is nil when the key is
// absent. It checks IfMatch and Condition and carries the preserved fields over.
func (r WriteRequest) Merge(stored Document) (Document, error) {
	if stored == nil {
		if r.IfMatch != "" {
			return nil, ErrPreconditionFailed
		}
		return cloneDocument(r.Document), nil
	}
	if err := CheckETag(stored, r.IfMatch); err != nil {
		return nil, err
	}
	ok, err := query.Match(r.Condition, stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConditionFailed
	}
	next := cloneDocument(r.Document)
	for _, field := range r.Preserve {
		if v, found := stored[field]; found {
			next[field] = patch.Clone(v)
		} else {
			delete(next, field)
		}
	}
	return next, nil
}

func cloneDocument(doc Document) Document {
	out, _ := patch.Clone(doc).(map[string]any)
	if out == nil {
		out = Document{}
	}
	return out
}

// WriteResult describes the stored post-image.
type WriteResult struct {
	Document  Document
	ETag      string
	Timestamp int64
	Charge    float64
}

// PatchRequest applies operations to one document atomically.
type PatchRequest struct {
	Key        Key
	Operations []patch.Operation
	// IfMatch, when set, must equal the stored concurrency tag.
	IfMatch string
	// Condition must hold on the stored document or the patch fails with
	// ErrConditionFailed.
	Condition query.Predicate
}

// DeleteRequest removes one document.
type DeleteRequest struct {
	Key     Key
	IfMatch string
}

// BatchKind identifies the operation of a batch item.
type BatchKind string

const (
	BatchCreate  BatchKind = "create"
	BatchUpsert  BatchKind = "upsert"
	BatchReplace BatchKind = "replace"
	BatchPatch   BatchKind = "patch"
	BatchDelete  BatchKind = "delete"
)

// BatchOperation is one item of a batch.
type BatchOperation struct {
	Kind       BatchKind
	Key        Key
	Document   Document
	Operations []patch.Operation
	IfMatch    string
	Condition  query.Predicate
	Preserve   []string
}

// WriteRequest returns the whole-document request of a create, upsert or replace item.
func (op BatchOperation) WriteRequest() WriteRequest {
	return WriteRequest{Key: op.Key, Document: op.Document, IfMatch: op.IfMatch, Condition: op.Condition, Preserve: op.Preserve}
}

// PatchRequest returns the request of a patch item.
func (op BatchOperation) PatchRequest() PatchRequest {
	return PatchRequest{Key: op.Key, Operations: op.Operations, IfMatch: op.IfMatch, Condition: op.Condition}
}

// BatchRequest groups operations sharing one partition key.
type BatchRequest struct {
	PartitionKey string
	Operations   []BatchOperation
}

// BatchItemResult is the outcome of one batch item.
type BatchItemResult struct {
	Key      Key
	Document Document
	ETag     string
	Err      error
}

// BatchResult is the outcome of a batch. When Atomic is true the batch either fully
// succeeded or the provider returned an error and nothing was written. Otherwise every
// item reports its own outcome.
type BatchResult struct {
	Atomic bool
	Items  []BatchItemResult
	Charge float64
}

// Provider executes document I/O against a backing store.
//
// Providers assign a fresh concurrency tag (_etag) and epoch-second timestamp (_ts)
// on every write and return the stored post-image. Reads that match nothing return
// empty results; point reads of a missing key return ErrNotFound.
type Provider interface {
	EnsureContainer(ctx context.Context, desc ContainerDescriptor) error

	Get(ctx context.Context, container string, key Key) (Document, float64, error)
	GetMany(ctx context.Context, container string, keys []Key) ([]Document, float64, error)
	Query(ctx context.Context, container string, plan query.Plan) (QueryResult, error)
	// Stream yields matching documents lazily and stops at the first error or when ctx
	// is done.
	Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[Document, error]
	Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error)
	Raw(ctx context.Context, container string, raw RawQuery) (QueryResult, error)

	Create(ctx context.Context, container string, req WriteRequest) (WriteResult, error)
	Upsert(ctx context.Context, container string, req WriteRequest) (WriteResult, error)
	Replace(ctx context.Context, container string, req WriteRequest) (WriteResult, error)
	Patch(ctx context.Context, container string, req PatchRequest) (WriteResult, error)
	Delete(ctx context.Context, container string, req DeleteRequest) (WriteResult, error)
	Batch(ctx context.Context, container string, req BatchRequest) (BatchResult, error)

	Close() error
}
