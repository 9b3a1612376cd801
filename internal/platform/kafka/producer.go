// Package kafka publishes JSON messages to a Kafka topic from a buffered
// background loop so request handlers never block on the broker.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// ErrBufferFull is returned when the outbound buffer cannot take more messages.
var ErrBufferFull = errors.New("kafka: producer buffer full")

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("kafka: producer closed")

// MessageWriter is the subset of *kafkago.Writer used by Producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer drains an in-memory inbox into a Kafka writer.
type Producer struct {
	w       MessageWriter
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	inbox  chan kafkago.Message
	done   chan struct{}
}

// NewProducer builds a producer for topic. Messages are keyed so that all
// events of one purchase order land on the same partition.
func NewProducer(brokers []string, topic string, buf int, logger *slog.Logger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return NewProducerWithWriter(w, buf, logger)
}

// NewProducerWithWriter wires a custom writer, mostly for tests.
func NewProducerWithWriter(w MessageWriter, buf int, logger *slog.Logger) *Producer {
	if buf <= 0 {
		buf = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		w:       w,
		logger:  logger,
		timeout: 10 * time.Second,
		inbox:   make(chan kafkago.Message, buf),
		done:    make(chan struct{}),
	}
}

// Start runs the delivery loop until Close is called.
func (p *Producer) Start() {
	go func() {
		defer close(p.done)
		for m := range p.inbox {
			p.write(m)
		}
		if err := p.w.Close(); err != nil {
			p.logger.Warn("kafka writer close", slog.Any("error", err))
		}
	}()
}

func (p *Producer) write(m kafkago.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error("kafka publish", slog.String("key", string(m.Key)), slog.Any("error", err))
	}
}

// Publish marshals value as JSON and queues it under key.
func (p *Producer) Publish(_ context.Context, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: marshal: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.inbox <- kafkago.Message{Key: []byte(key), Value: body, Time: time.Now()}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting messages, flushes the buffer and waits for the loop.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()
	<-p.done
}
