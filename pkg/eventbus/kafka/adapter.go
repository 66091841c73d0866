// Package kafka implements eventbus.EventBus on Apache Kafka with segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/docrepo/pkg/eventbus"
	"github.com/nimburion/docrepo/pkg/observability/logger"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("kafka adapter is closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the adapter.
type Config struct {
	Brokers          []string
	OperationTimeout time.Duration
	// MaxRetries bounds both producer write attempts and handler attempts per message.
	MaxRetries int
	// RetryBackoff is the first handler retry delay; it doubles on every attempt.
	RetryBackoff time.Duration
	GroupID      string
}

func (c *Config) applyDefaults() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.GroupID == "" {
		c.GroupID = "docrepo"
	}
}

type subscription struct {
	reader messageReader
	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaAdapter publishes with one shared writer and consumes with one reader per
// subscribed topic.
type KafkaAdapter struct {
	writer    messageWriter
	newReader func(topic string) messageReader
	dial      func(ctx context.Context, address string) error
	log       logger.Logger
	config    Config

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

var _ eventbus.EventBus = (*KafkaAdapter)(nil)

// NewKafkaAdapter creates an adapter. No connection is made until the first publish
// or subscribe.
func NewKafkaAdapter(cfg Config, log logger.Logger) (*KafkaAdapter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNop()
	}

	// Hash keeps every message of one key on one partition, so the changes of a
	// partition key are consumed in write order.
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
	}
	a := newAdapter(cfg, log, writer, func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
			MaxWait:     500 * time.Millisecond,
		})
	})
	log.Info("kafka adapter initialized", "brokers", cfg.Brokers, "group_id", cfg.GroupID)
	return a, nil
}

func newAdapter(cfg Config, log logger.Logger, writer messageWriter, newReader func(string) messageReader) *KafkaAdapter {
	return &KafkaAdapter{
		writer:    writer,
		newReader: newReader,
		dial:      dialBroker,
		log:       log,
		config:    cfg,
		subs:      make(map[string]*subscription),
	}
}

func (a *KafkaAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Publish writes one message and waits for all in-sync replicas.
func (a *KafkaAdapter) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	return a.PublishBatch(ctx, topic, []*eventbus.Message{message})
}

// PublishBatch writes messages in order.
func (a *KafkaAdapter) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	if a.isClosed() {
		return ErrClosed
	}
	if len(messages) == 0 {
		return nil
	}
	records := make([]kafka.Message, len(messages))
	for i, msg := range messages {
		records[i] = toRecord(topic, msg)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	if err := a.writer.WriteMessages(ctx, records...); err != nil {
		a.log.Error("failed to publish", "topic", topic, "messages", len(messages), "error", err)
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	a.log.Debug("published", "topic", topic, "messages", len(messages))
	return nil
}

// Subscribe starts a consumer group reader for topic.
func (a *KafkaAdapter) Subscribe(ctx context.Context, topic string, handler eventbus.MessageHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if _, exists := a.subs[topic]; exists {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{reader: a.newReader(topic), cancel: cancel, done: make(chan struct{})}
	a.subs[topic] = sub
	go func() {
		defer close(sub.done)
		a.consume(ctx, topic, sub.reader, handler)
	}()
	a.log.Info("subscribed to topic", "topic", topic, "group_id", a.config.GroupID)
	return nil
}

// Unsubscribe stops the consumer of topic and waits for its loop to exit.
func (a *KafkaAdapter) Unsubscribe(topic string) error {
	a.mu.Lock()
	sub, exists := a.subs[topic]
	delete(a.subs, topic)
	a.mu.Unlock()
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	if err := stop(sub); err != nil {
		return fmt.Errorf("failed to close consumer for topic %s: %w", topic, err)
	}
	a.log.Info("unsubscribed from topic", "topic", topic)
	return nil
}

func stop(sub *subscription) error {
	sub.cancel()
	err := sub.reader.Close()
	<-sub.done
	return err
}

// Close stops every consumer and flushes the writer.
func (a *KafkaAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	subs := a.subs
	a.subs = make(map[string]*subscription)
	a.mu.Unlock()

	var errs []error
	for topic, sub := range subs {
		if err := stop(sub); err != nil {
			errs = append(errs, fmt.Errorf("close consumer for topic %s: %w", topic, err))
		}
	}
	if err := a.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	a.log.Info("kafka adapter closed")
	return errors.Join(errs...)
}

// HealthCheck dials the first broker and reads its metadata.
func (a *KafkaAdapter) HealthCheck(ctx context.Context) error {
	if a.isClosed() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.dial(ctx, a.config.Brokers[0])
}

func dialBroker(ctx context.Context, address string) error {
	conn, err := kafka.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to fetch broker metadata: %w", err)
	}
	return nil
}

// consume delivers messages one at a time and commits each after its handler
// succeeds. A message that still fails after MaxRetries attempts stops the loop
// uncommitted, so the group redelivers it to the next consumer.
func (a *KafkaAdapter) consume(ctx context.Context, topic string, reader messageReader, handler eventbus.MessageHandler) {
	for {
		record, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			a.log.Error("failed to fetch message", "topic", topic, "error", err)
			if !sleep(ctx, a.config.RetryBackoff) {
				return
			}
			continue
		}

		msg := fromRecord(record)
		if err := a.handle(ctx, msg, handler); err != nil {
			a.log.Error("giving up on message; consumer stopped",
				"topic", topic, "partition", record.Partition, "offset", record.Offset, "error", err)
			return
		}
		if err := reader.CommitMessages(ctx, record); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Error("failed to commit message",
				"topic", topic, "partition", record.Partition, "offset", record.Offset, "error", err)
		}
	}
}

func (a *KafkaAdapter) handle(ctx context.Context, msg *eventbus.Message, handler eventbus.MessageHandler) error {
	backoff := a.config.RetryBackoff
	var err error
	for attempt := 1; attempt <= a.config.MaxRetries; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		a.log.Warn("message handler failed", "message_id", msg.ID, "attempt", attempt, "error", err)
		if attempt == a.config.MaxRetries || !sleep(ctx, backoff) {
			break
		}
		backoff *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func toRecord(topic string, msg *eventbus.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	if msg.ID != "" {
		headers = append(headers, kafka.Header{Key: eventbus.HeaderMessageID, Value: []byte(msg.ID)})
	}
	if msg.ContentType != "" {
		headers = append(headers, kafka.Header{Key: eventbus.HeaderContentType, Value: []byte(msg.ContentType)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Timestamp,
	}
}

func fromRecord(record kafka.Message) *eventbus.Message {
	msg := &eventbus.Message{
		Key:       string(record.Key),
		Value:     record.Value,
		Timestamp: record.Time,
	}
	if len(record.Headers) > 0 {
		msg.Headers = make(map[string]string, len(record.Headers))
	}
	for _, h := range record.Headers {
		switch h.Key {
		case eventbus.HeaderMessageID:
			msg.ID = string(h.Value)
		case eventbus.HeaderContentType:
			msg.ContentType = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
