// Package changefeed publishes an event for every committed document write and
// decodes those events on the consuming side.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nimburion/docrepo/pkg/eventbus"
	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/observability/metrics"
	"github.com/nimburion/docrepo/pkg/observability/tracing"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// DefaultTopic receives events when no topic is configured.
const DefaultTopic = "docrepo.changes"

// Operation is the kind of write an event reports.
type Operation string

const (
	OpCreate  Operation = "create"
	OpUpsert  Operation = "upsert"
	OpReplace Operation = "replace"
	OpPatch   Operation = "patch"
	OpDelete  Operation = "delete"
)

var batchOps = map[repository.BatchKind]Operation{
	repository.BatchCreate:  OpCreate,
	repository.BatchUpsert:  OpUpsert,
	repository.BatchReplace: OpReplace,
	repository.BatchPatch:   OpPatch,
	repository.BatchDelete:  OpDelete,
}

// Event describes one committed write. Document is the stored post-image and is
// empty for deletes.
type Event struct {
	ID           string              `json:"eventId"`
	Container    string              `json:"container"`
	Operation    Operation           `json:"operation"`
	DocumentID   string              `json:"id"`
	PartitionKey string              `json:"partitionKey"`
	ETag         string              `json:"etag,omitempty"`
	Timestamp    int64               `json:"ts,omitempty"`
	Document     repository.Document `json:"document,omitempty"`
}

// Key returns the storage key of the changed document.
func (e Event) Key() repository.Key {
	return repository.Key{ID: e.DocumentID, PartitionKey: e.PartitionKey}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTopic sets the destination topic.
func WithTopic(topic string) Option {
	return func(p *Publisher) {
		if topic != "" {
			p.topic = topic
		}
	}
}

// WithSerializer sets the payload encoding. JSON is the default.
func WithSerializer(s eventbus.Serializer) Option {
	return func(p *Publisher) {
		if s != nil {
			p.serializer = s
		}
	}
}

// WithLogger sets the logger for publish failures.
func WithLogger(log logger.Logger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// Publisher is a provider decorator that publishes an Event after each successful
// write. Events are keyed by partition key so a consumer sees the changes of one
// partition in commit order.
//
// Publishing happens after the write commits. A publish failure is logged and
// counted but does not fail the write.
type Publisher struct {
	inner      repository.Provider
	producer   eventbus.Producer
	serializer eventbus.Serializer
	topic      string
	log        logger.Logger
}

var _ repository.Provider = (*Publisher)(nil)

// NewPublisher wraps inner. The producer is owned by the caller and is not closed
// by Close.
func NewPublisher(inner repository.Provider, producer eventbus.Producer, opts ...Option) (*Publisher, error) {
	if inner == nil {
		return nil, errors.New("changefeed: inner provider is required")
	}
	if producer == nil {
		return nil, errors.New("changefeed: producer is required")
	}
	p := &Publisher{
		inner:      inner,
		producer:   producer,
		serializer: eventbus.NewJSONSerializer(),
		topic:      DefaultTopic,
		log:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func newEvent(container string, op Operation, key repository.Key, doc repository.Document, etag string, ts int64) Event {
	ev := Event{
		ID:           uuid.NewString(),
		Container:    container,
		Operation:    op,
		DocumentID:   key.ID,
		PartitionKey: key.PartitionKey,
		ETag:         etag,
		Timestamp:    ts,
	}
	if op != OpDelete {
		ev.Document = doc
	}
	return ev
}

func (p *Publisher) message(ctx context.Context, ev Event) (*eventbus.Message, error) {
	payload, err := p.serializer.Serialize(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}
	headers := map[string]string{
		"container": ev.Container,
		"operation": string(ev.Operation),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return &eventbus.Message{
		ID:          ev.ID,
		Key:         ev.PartitionKey,
		Value:       payload,
		Headers:     headers,
		ContentType: p.serializer.ContentType(),
	}, nil
}

func (p *Publisher) publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingDestination(p.topic),
		tracing.WithMessagingKey(events[0].PartitionKey),
	)
	defer span.End()

	msgs := make([]*eventbus.Message, 0, len(events))
	for _, ev := range events {
		msg, err := p.message(ctx, ev)
		if err != nil {
			p.fail(ctx, ev, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		tracing.RecordError(span, errors.New("no change event could be encoded"))
		return
	}
	var err error
	if len(msgs) == 1 {
		err = p.producer.Publish(ctx, p.topic, msgs[0])
	} else {
		err = p.producer.PublishBatch(ctx, p.topic, msgs)
	}
	if err != nil {
		tracing.RecordError(span, err)
		for _, ev := range events {
			p.fail(ctx, ev, err)
		}
		return
	}
	tracing.RecordSuccess(span)
	for range msgs {
		metrics.RecordChangePublished(p.topic, metrics.OutcomeSuccess)
	}
}

func (p *Publisher) fail(ctx context.Context, ev Event, err error) {
	metrics.RecordChangePublished(p.topic, metrics.OutcomeError)
	p.log.WithContext(ctx).Error("change event not published",
		"topic", p.topic,
		"container", ev.Container,
		"operation", ev.Operation,
		"id", ev.DocumentID,
		"partition_key", ev.PartitionKey,
		"etag", ev.ETag,
		"error", err,
	)
}

func (p *Publisher) written(ctx context.Context, container string, op Operation, key repository.Key, res repository.WriteResult, err error) (repository.WriteResult, error) {
	if err == nil {
		p.publish(ctx, newEvent(container, op, key, res.Document, res.ETag, res.Timestamp))
	}
	return res, err
}

// EnsureContainer forwards to the inner provider.
func (p *Publisher) EnsureContainer(ctx context.Context, desc repository.ContainerDescriptor) error {
	return p.inner.EnsureContainer(ctx, desc)
}

// Get forwards to the inner provider.
func (p *Publisher) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	return p.inner.Get(ctx, container, key)
}

// GetMany forwards to the inner provider.
func (p *Publisher) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	return p.inner.GetMany(ctx, container, keys)
}

// Query forwards to the inner provider.
func (p *Publisher) Query(ctx context.Context, container string, plan query.Plan) (repository.QueryResult, error) {
	return p.inner.Query(ctx, container, plan)
}

// Stream forwards to the inner provider.
func (p *Publisher) Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[repository.Document, error] {
	return p.inner.Stream(ctx, container, plan)
}

// Count forwards to the inner provider.
func (p *Publisher) Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error) {
	return p.inner.Count(ctx, container, filter)
}

// Raw forwards to the inner provider.
func (p *Publisher) Raw(ctx context.Context, container string, raw repository.RawQuery) (repository.QueryResult, error) {
	return p.inner.Raw(ctx, container, raw)
}

// Create writes and publishes a create event.
func (p *Publisher) Create(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Create(ctx, container, req)
	return p.written(ctx, container, OpCreate, req.Key, res, err)
}

// Upsert writes and publishes an upsert event.
func (p *Publisher) Upsert(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Upsert(ctx, container, req)
	return p.written(ctx, container, OpUpsert, req.Key, res, err)
}

// Replace writes and publishes a replace event.
func (p *Publisher) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Replace(ctx, container, req)
	return p.written(ctx, container, OpReplace, req.Key, res, err)
}

// Patch writes and publishes a patch event carrying the post-image.
func (p *Publisher) Patch(ctx context.Context, container string, req repository.PatchRequest) (repository.WriteResult, error) {
	res, err := p.inner.Patch(ctx, container, req)
	return p.written(ctx, container, OpPatch, req.Key, res, err)
}

// Delete removes the document and publishes a delete event.
func (p *Publisher) Delete(ctx context.Context, container string, req repository.DeleteRequest) (repository.WriteResult, error) {
	res, err := p.inner.Delete(ctx, container, req)
	return p.written(ctx, container, OpDelete, req.Key, res, err)
}

// Batch runs the batch and publishes one event per committed item, in item order.
func (p *Publisher) Batch(ctx context.Context, container string, req repository.BatchRequest) (repository.BatchResult, error) {
	res, err := p.inner.Batch(ctx, container, req)
	if err != nil && res.Atomic {
		return res, err
	}
	events := make([]Event, 0, len(res.Items))
	for i, item := range res.Items {
		if item.Err != nil || i >= len(req.Operations) {
			continue
		}
		events = append(events, newEvent(container, batchOps[req.Operations[i].Kind], item.Key, item.Document, item.ETag, repository.TimestampOf(item.Document)))
	}
	p.publish(ctx, events...)
	return res, err
}

// Close closes the inner provider.
func (p *Publisher) Close() error {
	return p.inner.Close()
}

// wireEvent defers document decoding so stored integers keep int64 precision.
type wireEvent struct {
	Event
	Document json.RawMessage `json:"document,omitempty"`
}

// Decode parses an event payload.
func Decode(serializer eventbus.Serializer, payload []byte) (Event, error) {
	var w wireEvent
	if err := serializer.Deserialize(payload, &w); err != nil {
		return Event{}, err
	}
	ev := w.Event
	if len(w.Document) > 0 && string(w.Document) != "null" {
		doc, err := repository.DecodeJSON(w.Document)
		if err != nil {
			return Event{}, err
		}
		ev.Document = doc
	}
	return ev, nil
}

// Handler processes one decoded change event.
type Handler func(ctx context.Context, ev Event) error

// Subscribe consumes topic and hands every decoded event to handler. Payloads that
// cannot be decoded are logged and skipped.
func Subscribe(ctx context.Context, consumer eventbus.Consumer, topic string, serializer eventbus.Serializer, log logger.Logger, handler Handler) error {
	if serializer == nil {
		serializer = eventbus.NewJSONSerializer()
	}
	if log == nil {
		log = logger.NewNop()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return consumer.Subscribe(ctx, topic, func(ctx context.Context, msg *eventbus.Message) error {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
		ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgConsume,
			tracing.WithMessagingDestination(topic),
			tracing.WithMessagingKey(msg.Key),
		)
		defer span.End()

		ev, err := Decode(serializer, msg.Value)
		if err != nil {
			tracing.RecordError(span, err)
			log.WithContext(ctx).Error("skipping undecodable change event", "topic", topic, "message_id", msg.ID, "error", err)
			return nil
		}
		if err := handler(ctx, ev); err != nil {
			tracing.RecordError(span, err)
			return err
		}
		tracing.RecordSuccess(span)
		return nil
	})
}
