package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/openfroyo/barclamp/pkg/telemetry"
)

// MessageWriter is the subset of kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a KafkaSink.
type Config struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic receives every event.
	Topic string

	// MaxAttempts is how many times a batch is written before it is dropped.
	MaxAttempts int

	// WriteTimeout bounds one write attempt.
	WriteTimeout time.Duration

	// BufferSize is the number of events held while the writer is busy.
	BufferSize int

	// BatchSize is the maximum number of events per write.
	BatchSize int

	// FlushInterval is how long a partial batch waits before it is written.
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// KafkaSink streams lifecycle and transition events to a Kafka topic. Events are
// keyed by proposal id, or target id for transitions, so that the events of one
// proposal stay ordered within a partition. Publishing never blocks: when the buffer
// is full the event is dropped and counted.
type KafkaSink struct {
	cfg    Config
	writer MessageWriter
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	buffer chan telemetry.Event
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

// NewKafkaSink creates a sink writing to the configured brokers.
func NewKafkaSink(cfg Config, logger zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	cfg.applyDefaults()

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return NewSink(w, cfg, logger), nil
}

// NewSink creates a sink over an existing writer.
func NewSink(w MessageWriter, cfg Config, logger zerolog.Logger) *KafkaSink {
	cfg.applyDefaults()
	s := &KafkaSink{
		cfg:    cfg,
		writer: w,
		logger: logger.With().Str("component", "kafka-sink").Str("topic", cfg.Topic).Logger(),
		buffer: make(chan telemetry.Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Attach subscribes the sink to a publisher. filter may be nil.
func (s *KafkaSink) Attach(pub *telemetry.EventPublisher, filter telemetry.EventFilter) {
	pub.Subscribe(s.Handle, filter)
}

// Handle enqueues an event. It is a telemetry.EventSubscriber.
func (s *KafkaSink) Handle(e telemetry.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.buffer <- e:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			s.logger.Warn().Int64("dropped", n).Msg("Event buffer full, dropping events")
		}
	}
}

// Stats returns the number of events written and dropped.
func (s *KafkaSink) Stats() (written, dropped int64) {
	return s.written.Load(), s.dropped.Load()
}

func (s *KafkaSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]telemetry.Event, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write produces a batch with retries and exponential backoff.
func (s *KafkaSink) write(events []telemetry.Event) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", e.ID).Msg("Failed to encode event")
			s.dropped.Add(1)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Key()),
			Value: value,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
		})
	}
	if len(msgs) == 0 {
		return
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err := s.writer.WriteMessages(ctx, msgs...)
		cancel()
		if err == nil {
			s.written.Add(int64(len(msgs)))
			return
		}

		lastErr = err
		if attempt < s.cfg.MaxAttempts {
			time.Sleep(backoff)
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}

	s.dropped.Add(int64(len(msgs)))
	s.logger.Error().
		Err(lastErr).
		Int("events", len(msgs)).
		Int("attempts", s.cfg.MaxAttempts).
		Msg("Failed to write events")
}

// Close flushes buffered events and closes the writer.
func (s *KafkaSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.buffer)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		_ = s.writer.Close()
		return fmt.Errorf("kafka sink shutdown timed out: %w", ctx.Err())
	}

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
