// Package tracing provides OpenTelemetry tracing for document operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation names a traced operation.
type SpanOperation string

// Document store operations.
const (
	SpanOperationDBGet     SpanOperation = "db.get"
	SpanOperationDBGetMany SpanOperation = "db.get_many"
	SpanOperationDBQuery   SpanOperation = "db.query"
	SpanOperationDBStream  SpanOperation = "db.stream"
	SpanOperationDBCount   SpanOperation = "db.count"
	SpanOperationDBRaw     SpanOperation = "db.raw"
	SpanOperationDBCreate  SpanOperation = "db.create"
	SpanOperationDBUpsert  SpanOperation = "db.upsert"
	SpanOperationDBReplace SpanOperation = "db.replace"
	SpanOperationDBPatch   SpanOperation = "db.patch"
	SpanOperationDBDelete  SpanOperation = "db.delete"
	SpanOperationDBBatch   SpanOperation = "db.batch"
	SpanOperationDBSetup   SpanOperation = "db.ensure_container"
)

// Change feed operations.
const (
	SpanOperationMsgPublish SpanOperation = "messaging.publish"
	SpanOperationMsgConsume SpanOperation = "messaging.consume"
)

// StartDatabaseSpan starts a client span for a document store operation.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	spanOpts := &databaseSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("DB %s", operation)
	if spanOpts.container != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, spanOpts.container)
	}
	ctx, span := otel.Tracer("docrepo/database").Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*databaseSpanOptions)

type databaseSpanOptions struct {
	container  string
	attributes []attribute.KeyValue
}

// WithDBContainer sets the container the operation targets.
func WithDBContainer(container string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.container = container
		opts.attributes = append(opts.attributes, attribute.String("db.collection.name", container))
	}
}

// WithDBSystem sets the backing store, for example "postgresql" or "dynamodb".
func WithDBSystem(system string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.system", system))
	}
}

// WithDBPartition sets the partition key of a single-partition operation.
func WithDBPartition(partitionKey string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		if partitionKey != "" {
			opts.attributes = append(opts.attributes, attribute.String("db.partition_key", partitionKey))
		}
	}
}

// WithDBStatement sets a native query text.
func WithDBStatement(statement string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.statement", statement))
	}
}

// WithDBItems sets how many documents or operations the call carries.
func WithDBItems(n int) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("db.items", n))
	}
}

// RecordCharge attaches the provider charge of an operation to span.
func RecordCharge(span trace.Span, charge float64) {
	span.SetAttributes(attribute.Float64("db.charge", charge))
}

// StartMessagingSpan starts a span for a change feed publish or consume.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	spanOpts := &messagingSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("messaging.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("MSG %s", operation)
	if spanOpts.destination != "" {
		spanName = fmt.Sprintf("MSG %s %s", operation, spanOpts.destination)
	}
	kind := trace.SpanKindProducer
	if operation == SpanOperationMsgConsume {
		kind = trace.SpanKindConsumer
	}
	ctx, span := otel.Tracer("docrepo/messaging").Start(ctx, spanName, trace.WithSpanKind(kind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*messagingSpanOptions)

type messagingSpanOptions struct {
	destination string
	attributes  []attribute.KeyValue
}

// WithMessagingSystem sets the broker, for example "kafka".
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.system", system))
	}
}

// WithMessagingDestination sets the topic.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.destination = destination
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination", destination))
	}
}

// WithMessagingKey sets the message key.
func WithMessagingKey(key string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.message.key", key))
	}
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
