// Package instrument wraps a document provider with tracing spans, Prometheus metrics
// and debug logging.
package instrument

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/observability/metrics"
	"github.com/nimburion/docrepo/pkg/observability/tracing"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// Option configures a Provider.
type Option func(*Provider)

// WithSystem names the backing store on spans, for example "postgresql".
func WithSystem(system string) Option {
	return func(p *Provider) { p.system = system }
}

// WithLogger sets the logger. Operations log at debug level and failures at warn.
func WithLogger(log logger.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// Provider observes every call of an inner provider.
type Provider struct {
	inner  repository.Provider
	system string
	log    logger.Logger
}

var _ repository.Provider = (*Provider)(nil)

// New wraps inner.
func New(inner repository.Provider, opts ...Option) *Provider {
	p := &Provider{inner: inner, log: logger.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Unwrap returns the inner provider.
func (p *Provider) Unwrap() repository.Provider { return p.inner }

// call tracks one provider operation. finish must be called exactly once.
type call struct {
	p         *Provider
	container string
	operation tracing.SpanOperation
	span      trace.Span
	ctx       context.Context
	start     time.Time
}

func (p *Provider) begin(ctx context.Context, container string, op tracing.SpanOperation, opts ...tracing.DatabaseSpanOption) *call {
	opts = append(opts, tracing.WithDBContainer(container))
	if p.system != "" {
		opts = append(opts, tracing.WithDBSystem(p.system))
	}
	ctx, span := tracing.StartDatabaseSpan(ctx, op, opts...)
	metrics.IncrementInFlight()
	return &call{p: p, container: container, operation: op, span: span, ctx: ctx, start: time.Now()}
}

// Outcome classifies err for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, repository.ErrPreconditionFailed),
		errors.Is(err, repository.ErrConditionFailed):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func (c *call) finish(charge float64, err error, kv ...any) {
	elapsed := time.Since(c.start)
	metrics.DecrementInFlight()
	op := string(c.operation)
	outcome := Outcome(err)
	metrics.RecordOperation(c.container, op, outcome, elapsed, charge)

	tracing.RecordCharge(c.span, charge)
	if err != nil {
		tracing.RecordError(c.span, err)
	} else {
		tracing.RecordSuccess(c.span)
	}
	c.span.End()

	log := c.p.log.WithContext(c.ctx)
	fields := append([]any{"container", c.container, "operation", op, "duration", elapsed, "charge", charge}, kv...)
	switch outcome {
	case metrics.OutcomeSuccess, metrics.OutcomeRejected:
		if err != nil {
			fields = append(fields, "error", err)
		}
		log.Debug("document operation", fields...)
	default:
		log.Warn("document operation failed", append(fields, "error", err)...)
	}
}

// EnsureContainer prepares the container.
func (p *Provider) EnsureContainer(ctx context.Context, desc repository.ContainerDescriptor) error {
	c := p.begin(ctx, desc.Name, tracing.SpanOperationDBSetup)
	err := p.inner.EnsureContainer(c.ctx, desc)
	c.finish(0, err, "partition_key_path", desc.PartitionKeyPath)
	return err
}

// Get reads one document.
func (p *Provider) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	c := p.begin(ctx, container, tracing.SpanOperationDBGet, tracing.WithDBPartition(key.PartitionKey))
	doc, charge, err := p.inner.Get(c.ctx, container, key)
	c.finish(charge, err, "id", key.ID)
	return doc, charge, err
}

// GetMany reads several documents.
func (p *Provider) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	c := p.begin(ctx, container, tracing.SpanOperationDBGetMany, tracing.WithDBItems(len(keys)))
	docs, charge, err := p.inner.GetMany(c.ctx, container, keys)
	c.finish(charge, err, "keys", len(keys), "found", len(docs))
	return docs, charge, err
}

// Query runs a translated query.
func (p *Provider) Query(ctx context.Context, container string, plan query.Plan) (repository.QueryResult, error) {
	c := p.begin(ctx, container, tracing.SpanOperationDBQuery, tracing.WithDBPartition(plan.PartitionKey))
	res, err := p.inner.Query(c.ctx, container, plan)
	c.finish(res.Charge, err, "documents", len(res.Documents))
	return res, err
}

// Stream traces the whole iteration as one span that ends when the consumer stops.
func (p *Provider) Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[repository.Document, error] {
	return func(yield func(repository.Document, error) bool) {
		c := p.begin(ctx, container, tracing.SpanOperationDBStream, tracing.WithDBPartition(plan.PartitionKey))
		var (
			n   int
			err error
		)
		defer func() { c.finish(0, err, "documents", n) }()
		for doc, e := range p.inner.Stream(c.ctx, container, plan) {
			if e != nil {
				err = e
				yield(nil, e)
				return
			}
			n++
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Count counts matching documents.
func (p *Provider) Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error) {
	c := p.begin(ctx, container, tracing.SpanOperationDBCount)
	n, charge, err := p.inner.Count(c.ctx, container, filter)
	c.finish(charge, err, "count", n)
	return n, charge, err
}

// Raw runs a native query.
func (p *Provider) Raw(ctx context.Context, container string, raw repository.RawQuery) (repository.QueryResult, error) {
	c := p.begin(ctx, container, tracing.SpanOperationDBRaw, tracing.WithDBStatement(raw.Text))
	res, err := p.inner.Raw(c.ctx, container, raw)
	c.finish(res.Charge, err, "documents", len(res.Documents))
	return res, err
}

func (p *Provider) write(ctx context.Context, container string, op tracing.SpanOperation, key repository.Key,
	fn func(context.Context) (repository.WriteResult, error)) (repository.WriteResult, error) {
	c := p.begin(ctx, container, op, tracing.WithDBPartition(key.PartitionKey))
	res, err := fn(c.ctx)
	c.finish(res.Charge, err, "id", key.ID)
	return res, err
}

// Create inserts a document.
func (p *Provider) Create(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, tracing.SpanOperationDBCreate, req.Key, func(ctx context.Context) (repository.WriteResult, error) {
		return p.inner.Create(ctx, container, req)
	})
}

// Upsert inserts or replaces a document.
func (p *Provider) Upsert(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, tracing.SpanOperationDBUpsert, req.Key, func(ctx context.Context) (repository.WriteResult, error) {
		return p.inner.Upsert(ctx, container, req)
	})
}

// Replace overwrites a document.
func (p *Provider) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, tracing.SpanOperationDBReplace, req.Key, func(ctx context.Context) (repository.WriteResult, error) {
		return p.inner.Replace(ctx, container, req)
	})
}

// Patch applies partial updates.
func (p *Provider) Patch(ctx context.Context, container string, req repository.PatchRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, tracing.SpanOperationDBPatch, req.Key, func(ctx context.Context) (repository.WriteResult, error) {
		return p.inner.Patch(ctx, container, req)
	})
}

// Delete removes a document.
func (p *Provider) Delete(ctx context.Context, container string, req repository.DeleteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, tracing.SpanOperationDBDelete, req.Key, func(ctx context.Context) (repository.WriteResult, error) {
		return p.inner.Delete(ctx, container, req)
	})
}

// Batch runs a single-partition batch.
func (p *Provider) Batch(ctx context.Context, container string, req repository.BatchRequest) (repository.BatchResult, error) {
	c := p.begin(ctx, container, tracing.SpanOperationDBBatch,
		tracing.WithDBPartition(req.PartitionKey), tracing.WithDBItems(len(req.Operations)))
	res, err := p.inner.Batch(c.ctx, container, req)
	failed := 0
	for _, item := range res.Items {
		if item.Err != nil {
			failed++
		}
	}
	c.finish(res.Charge, err, "operations", len(req.Operations), "failed_items", failed, "atomic", res.Atomic)
	return res, err
}

// Close closes the inner provider.
func (p *Provider) Close() error {
	return p.inner.Close()
}
