package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/docrepo/pkg/eventbus"
	"github.com/nimburion/docrepo/pkg/observability/logger"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
	closed  bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	records   chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(records ...kafka.Message) *fakeReader {
	r := &fakeReader{records: make(chan kafka.Message, len(records))}
	for _, rec := range records {
		r.records <- rec
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case rec := <-r.records:
		return rec, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func testAdapter(writer *fakeWriter, reader *fakeReader) *KafkaAdapter {
	cfg := Config{Brokers: []string{"localhost:9092"}, RetryBackoff: time.Millisecond}
	cfg.applyDefaults()
	return newAdapter(cfg, logger.NewNop(), writer, func(string) messageReader { return reader })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewKafkaAdapter(t *testing.T) {
	if _, err := NewKafkaAdapter(Config{}, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	a, err := NewKafkaAdapter(Config{Brokers: []string{"localhost:9092"}}, nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if a.config.OperationTimeout != 30*time.Second || a.config.MaxRetries != 3 || a.config.GroupID != "docrepo" {
		t.Fatalf("defaults not applied: %+v", a.config)
	}
	w, ok := a.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("writer is %T", a.writer)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("balancer is %T, want key hashing", w.Balancer)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaAdapter_PublishBatch(t *testing.T) {
	writer := &fakeWriter{}
	a := testAdapter(writer, newFakeReader())
	ts := time.Unix(1_700_000_000, 0)

	if err := a.PublishBatch(context.Background(), "changes", nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	err := a.PublishBatch(context.Background(), "changes", []*eventbus.Message{
		{ID: "m1", Key: "tenant-1", Value: []byte("a"), ContentType: "application/json", Timestamp: ts, Headers: map[string]string{"container": "orders"}},
		{ID: "m2", Key: "tenant-1", Value: []byte("b")},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.written) != 2 {
		t.Fatalf("written = %d, want 2", len(writer.written))
	}
	first := writer.written[0]
	if first.Topic != "changes" || string(first.Key) != "tenant-1" || !first.Time.Equal(ts) {
		t.Fatalf("unexpected record: %+v", first)
	}
	back := fromRecord(first)
	if back.ID != "m1" || back.ContentType != "application/json" || back.Headers["container"] != "orders" {
		t.Fatalf("headers did not round trip: %+v", back)
	}
	if _, ok := back.Headers[eventbus.HeaderMessageID]; ok {
		t.Fatal("reserved headers should be lifted into message fields")
	}

	writer.err = errors.New("leader not available")
	if err := a.Publish(context.Background(), "changes", &eventbus.Message{Key: "k"}); !errors.Is(err, writer.err) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}

	if err := a.Close(); err != nil || !writer.closed {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(context.Background(), "changes", &eventbus.Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestKafkaAdapter_SubscribeCommitsHandledMessages(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Offset: 1, Key: []byte("k"), Value: []byte("one")},
		kafka.Message{Offset: 2, Key: []byte("k"), Value: []byte("two")},
	)
	a := testAdapter(&fakeWriter{}, reader)

	var mu sync.Mutex
	var got []string
	handler := func(_ context.Context, msg *eventbus.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Value))
		return nil
	}
	if err := a.Subscribe(context.Background(), "changes", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := a.Subscribe(context.Background(), "changes", handler); err == nil {
		t.Fatal("expected error on duplicate subscription")
	}
	waitFor(t, func() bool { return len(reader.commits()) == 2 })

	if err := a.Unsubscribe("changes"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if !reader.closed {
		t.Fatal("reader should be closed")
	}
	if err := a.Unsubscribe("changes"); err == nil {
		t.Fatal("expected error when not subscribed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("handled = %v", got)
	}
}

func TestKafkaAdapter_HandlerRetriesThenStops(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte("flaky")},
		kafka.Message{Offset: 2, Value: []byte("poison")},
		kafka.Message{Offset: 3, Value: []byte("never")},
	)
	a := testAdapter(&fakeWriter{}, reader)

	var mu sync.Mutex
	attempts := map[string]int{}
	handler := func(_ context.Context, msg *eventbus.Message) error {
		mu.Lock()
		defer mu.Unlock()
		v := string(msg.Value)
		attempts[v]++
		if v == "flaky" && attempts[v] < 2 {
			return errors.New("transient")
		}
		if v == "poison" {
			return errors.New("cannot process")
		}
		return nil
	}
	if err := a.Subscribe(context.Background(), "changes", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := a.subs["changes"]
	select {
	case <-sub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer should stop on a message that keeps failing")
	}

	commits := reader.commits()
	if len(commits) != 1 || commits[0] != 1 {
		t.Fatalf("commits = %v, want only offset 1", commits)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts["poison"] != a.config.MaxRetries || attempts["never"] != 0 {
		t.Fatalf("attempts = %v", attempts)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaAdapter_HealthCheck(t *testing.T) {
	a := testAdapter(&fakeWriter{}, newFakeReader())
	var dialed string
	a.dial = func(_ context.Context, address string) error {
		dialed = address
		return nil
	}
	if err := a.HealthCheck(context.Background()); err != nil || dialed != "localhost:9092" {
		t.Fatalf("health check: %v (dialed %q)", err, dialed)
	}
	_ = a.Close()
	if err := a.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
