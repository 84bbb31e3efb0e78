package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/ComUnity/city-sentinel/internal/config"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
	block  chan struct{}
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func testShipperConfig(capacity int) cfg.KafkaAuditConfig {
	return cfg.KafkaAuditConfig{Enabled: true, QueueCapacity: capacity, WriteTimeout: time.Second}
}

func TestKafkaAuditShipper_RoutesByEventType(t *testing.T) {
	sec, web := &recordingWriter{}, &recordingWriter{}
	s := newShipper(testShipperConfig(16), sec, web)
	s.Start()

	s.Publish(SecurityEvent{Type: EventAuthAttempt, Origin: "10.0.0.1", Outcome: "honeypot_triggered", LedgerSeq: 7})
	s.Publish(HTTPAuditEvent{Method: "POST", Path: "/auth/login", Status: 401, Origin: "10.0.0.1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	require.Len(t, sec.messages(), 1)
	require.Len(t, web.messages(), 1)
	assert.Equal(t, []byte("10.0.0.1"), sec.messages()[0].Key)

	var got SecurityEvent
	require.NoError(t, json.Unmarshal(sec.messages()[0].Value, &got))
	assert.Equal(t, "honeypot_triggered", got.Outcome)
	assert.Equal(t, uint64(7), got.LedgerSeq)
	assert.True(t, sec.closed)
	assert.True(t, web.closed)
}

func TestKafkaAuditShipper_PublishNeverBlocks(t *testing.T) {
	sec := &recordingWriter{block: make(chan struct{})}
	s := newShipper(testShipperConfig(2), sec, nil)
	s.Start()

	start := time.Now()
	for i := 0; i < 100; i++ {
		s.Publish(SecurityEvent{Type: EventAuthAttempt})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Greater(t, s.Dropped(), uint64(90))

	close(sec.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestKafkaAuditShipper_ConsumeSubscription(t *testing.T) {
	sec := &recordingWriter{}
	s := newShipper(testShipperConfig(16), sec, nil)
	s.Start()

	events := make(chan SecurityEvent, 3)
	s.Consume(context.Background(), events)
	for i := 0; i < 3; i++ {
		events <- SecurityEvent{Type: EventRegistration}
	}
	close(events)

	assert.Eventually(t, func() bool { return len(sec.messages()) == 3 }, time.Second, 5*time.Millisecond)
	s.Stop(context.Background())
}

func TestKafkaAuditShipper_Disabled(t *testing.T) {
	s, err := NewKafkaAuditShipper(cfg.KafkaAuditConfig{})
	require.NoError(t, err)
	s.Start()
	s.Publish(SecurityEvent{})
	s.Stop(context.Background())
	assert.Zero(t, s.Dropped())

	_, err = NewKafkaAuditShipper(cfg.KafkaAuditConfig{Enabled: true})
	assert.Error(t, err)
}
