package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	cfg "github.com/ComUnity/city-sentinel/internal/config"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

// messageWriter is the part of *kafka.Writer the shipper uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAuditShipper streams security and HTTP audit events to Kafka. Publish
// never blocks; events are dropped when the queue is full.
type KafkaAuditShipper struct {
	cfg       cfg.KafkaAuditConfig
	wSecurity messageWriter
	wHTTP     messageWriter
	ch        chan any
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	dropped   atomic.Uint64
	shipped   atomic.Uint64
}

func NewKafkaAuditShipper(cfgIn cfg.KafkaAuditConfig) (*KafkaAuditShipper, error) {
	c := cfgIn
	if !c.Enabled {
		return &KafkaAuditShipper{cfg: c, stop: make(chan struct{}), done: make(chan struct{})}, nil
	}
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 2 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.BatchSize * 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{
		DialTimeout: c.DialTimeout,
	}
	if c.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(c.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			BatchTimeout:           c.FlushEvery,
			BatchSize:              c.BatchSize,
			WriteTimeout:           c.WriteTimeout,
		}
	}

	s := newShipper(c, newWriter(c.Topic), nil)
	if c.HTTPTopic != "" {
		s.wHTTP = newWriter(c.HTTPTopic)
	}
	return s, nil
}

func newShipper(c cfg.KafkaAuditConfig, security, http messageWriter) *KafkaAuditShipper {
	return &KafkaAuditShipper{
		cfg:       c,
		wSecurity: security,
		wHTTP:     http,
		ch:        make(chan any, max(c.QueueCapacity, 1)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *KafkaAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	go s.loop()
}

// Consume forwards events from a facade subscription until it is closed or
// ctx ends.
func (s *KafkaAuditShipper) Consume(ctx context.Context, events <-chan SecurityEvent) {
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.Publish(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop flushes queued events until ctx expires and closes the writers.
func (s *KafkaAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-ctx.Done():
		logger.Warn("Kafka shipper stop timed out with %d events queued", len(s.ch))
	}
	for _, w := range []messageWriter{s.wSecurity, s.wHTTP} {
		if w != nil {
			_ = w.Close()
		}
	}
	logger.Info("Kafka shipper stopped (shipped=%d dropped=%d)", s.shipped.Load(), s.dropped.Load())
}

func (s *KafkaAuditShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case <-s.stop:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// drop on backpressure
		s.dropped.Add(1)
	}
}

func (s *KafkaAuditShipper) Dropped() uint64 { return s.dropped.Load() }

func (s *KafkaAuditShipper) loop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.ch:
			s.ship(ev)
		case <-s.stop:
			// drain remaining quickly
			for {
				select {
				case ev := <-s.ch:
					s.ship(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaAuditShipper) ship(ev any) {
	if err := s.dispatch(ev); err != nil {
		s.dropped.Add(1)
		logger.Warn("Kafka shipper: write failed: %v", err)
		return
	}
	s.shipped.Add(1)
}

func (s *KafkaAuditShipper) dispatch(ev any) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var (
		w   messageWriter
		key []byte
	)
	switch e := ev.(type) {
	case SecurityEvent:
		w, key = s.wSecurity, []byte(e.Origin)
	case HTTPAuditEvent:
		w, key = s.wHTTP, []byte(e.Origin)
	default:
		w = s.wSecurity
	}
	if w == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: payload,
		Time:  now,
	})
}
