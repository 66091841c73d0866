// Package eventbus defines the broker-neutral messaging contract used to publish
// document change events.
package eventbus

import (
	"context"
	"time"
)

// Header keys set on every published message.
const (
	HeaderMessageID   = "message_id"
	HeaderContentType = "content_type"
)

// Producer publishes messages to topics.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	// PublishBatch publishes messages in order. It fails as a whole when any message
	// cannot be written.
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
	Close() error
}

// Consumer delivers messages of a topic to a handler.
type Consumer interface {
	// Subscribe starts delivering messages in the background until ctx is done or
	// the topic is unsubscribed. A message whose handler fails is not acknowledged.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

// EventBus is a broker adapter that can both publish and consume.
type EventBus interface {
	Producer
	Consumer
	HealthCheck(ctx context.Context) error
}

// Message is one broker record.
type Message struct {
	ID string
	// Key selects the broker partition. Messages sharing a key keep their order.
	Key         string
	Value       []byte
	Headers     map[string]string
	ContentType string
	Timestamp   time.Time
}

// MessageHandler processes one consumed message.
type MessageHandler func(ctx context.Context, msg *Message) error
