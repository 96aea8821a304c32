package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type spyPublisher struct {
	events []Event
	err    error
}

func (s *spyPublisher) Publish(_ context.Context, evt Event) error {
	s.events = append(s.events, evt)
	return s.err
}

type spyBroadcaster struct {
	msgs [][]byte
}

func (s *spyBroadcaster) Broadcast(msg []byte) {
	s.msgs = append(s.msgs, msg)
}

type spyWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *spyWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *spyWriter) Close() error {
	w.closed = true
	return nil
}

func sampleEvent() Event {
	evt := New(OrderCheckedOut, "tx-1", 42, 7, decimal.NewFromInt(20))
	evt.Status = "committed"
	return evt
}

func TestFanout_PublishesToAllSinksAndBroadcasts(t *testing.T) {
	t.Parallel()

	failing := &spyPublisher{err: errors.New("broker down")}
	ok := &spyPublisher{}
	bcaster := &spyBroadcaster{}
	pub := NewFanout(bcaster, failing, ok)

	err := pub.Publish(context.Background(), sampleEvent())
	if err == nil {
		t.Fatalf("expected sink error to surface")
	}
	if len(ok.events) != 1 {
		t.Fatalf("expected healthy sink to receive the event")
	}
	if len(bcaster.msgs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(bcaster.msgs))
	}

	var payload struct {
		Type    string `json:"type"`
		OrderID string `json:"order_id"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(bcaster.msgs[0], &payload); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if payload.Type != string(OrderCheckedOut) || payload.OrderID != "42" || payload.Amount != "20" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestFanout_NilBroadcaster(t *testing.T) {
	t.Parallel()

	sink := &spyPublisher{}
	if err := NewFanout(nil, sink).Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected sink to run")
	}
}

func TestKafkaPublisher_KeysByTxID(t *testing.T) {
	t.Parallel()

	w := &spyWriter{}
	pub := NewKafkaPublisher(w)
	if err := pub.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "tx-1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(OrderCheckedOut) {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}
	if err := pub.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer to be closed")
	}
}

func TestNewKafkaWriter_DisabledWithoutBrokers(t *testing.T) {
	t.Parallel()

	if w := NewKafkaWriter(" , ", "saga-events"); w != nil {
		t.Fatalf("expected nil writer")
	}
	w := NewKafkaWriter("a:9092, b:9092", "saga-events")
	if w == nil || w.Topic != "saga-events" {
		t.Fatalf("unexpected writer %+v", w)
	}
}

func TestRedisStreamPublisher_AppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewRedisStreamPublisher(client, "", 100)
	evt := sampleEvent()
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := client.XRange(context.Background(), "saga_events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Values["tx_id"] != "tx-1" || entries[0].Values["type"] != string(OrderCheckedOut) {
		t.Fatalf("unexpected entry %+v", entries[0].Values)
	}
}

func TestRedisStreamPublisher_HonoursCancelledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewRedisStreamPublisher(client, "s", 0).Publish(ctx, sampleEvent()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
