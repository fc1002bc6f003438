package mq

import (
	"testing"
	"time"
)

func TestKafkaMessageHeaders(t *testing.T) {
	in := &Message{
		ID:         "m-1",
		Key:        "sub-9",
		Body:       []byte(`{"submissionId":"sub-9"}`),
		Headers:    map[string]string{"x-trace-id": "t-1"},
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		Deliveries: 2,
		Expiration: 1500 * time.Millisecond,
	}
	km := toKafkaMessage("judge.jobs", in)
	if string(km.Key) != "sub-9" {
		t.Fatalf("key = %q, want submission key", km.Key)
	}
	out := fromKafkaMessage(km)
	if out.ID != "m-1" || out.Key != "sub-9" || out.Deliveries != 2 || out.Expiration != 1500*time.Millisecond {
		t.Fatalf("unexpected message: %+v", out)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("timestamp = %v", out.Timestamp)
	}
	if out.Headers["x-trace-id"] != "t-1" {
		t.Fatalf("custom header lost: %v", out.Headers)
	}
	if _, ok := out.Headers[headerID]; ok {
		t.Fatalf("reserved headers must not leak into Headers")
	}
}

func TestKafkaMessageKeyFallsBackToID(t *testing.T) {
	km := toKafkaMessage("judge.jobs", &Message{ID: "m-2"})
	if string(km.Key) != "m-2" {
		t.Fatalf("key = %q", km.Key)
	}
}

func TestNewKafkaQueueRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaQueue(KafkaConfig{}); err == nil {
		t.Fatalf("expected an error without brokers")
	}
	q, err := NewKafkaQueue(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("NewKafkaQueue() error = %v", err)
	}
	if q.config.RequiredAcks == 0 || q.config.MaxWait == 0 {
		t.Fatalf("defaults not applied: %+v", q.config)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
