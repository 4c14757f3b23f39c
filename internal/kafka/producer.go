package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	ErrInboxFull      = errors.New("producer inbox full")
	ErrProducerClosed = errors.New("producer closed")
)

// Producer publishes through one writer to any topic. Messages go through an
// inbox drained by a single goroutine so callers never wait on the broker.
type Producer struct {
	w       MessageWriter
	inbox   chan kafka.Message
	closeCh chan struct{}
	log     *logger.Logger

	mu     sync.RWMutex // guards closed and sends on inbox
	closed bool
}

func NewProducer(brokers []string, buf int, log *logger.Logger) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}, buf, log)
}

func NewProducerWithWriter(w MessageWriter, buf int, log *logger.Logger) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Producer{
		w:       w,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		log:     log,
	}
}

// Start runs the drain loop until Close is called. Whatever is still queued
// at that point is flushed before the writer is closed.
func (p *Producer) Start() {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			p.write(m)
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn(context.Background(), "kafka writer close", err)
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		lctx := p.log.WithFields(ctx, map[string]any{"topic": m.Topic, "key": string(m.Key)})
		p.log.Error(lctx, "kafka publish failed", err)
	}
}

// Publish enqueues without blocking. A full inbox drops the message and
// returns ErrInboxFull; after Close it returns ErrProducerClosed.
func (p *Producer) Publish(topic string, key, value []byte, headers ...kafka.Header) error {
	m := kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now(), Headers: headers}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.inbox <- m:
		return nil
	default:
		return ErrInboxFull
	}
}

// Emit publishes a lifecycle envelope keyed by its order id. It never fails
// the caller; a dropped event is logged.
func (p *Producer) Emit(ctx context.Context, topic string, env orders.Envelope) {
	value, err := Marshal(env)
	if err != nil {
		p.log.Warn(ctx, "encode envelope", err)
		return
	}
	err = p.Publish(topic, orders.PartitionKey(env.CorrelationID), value,
		kafka.Header{Key: HeaderEventType, Value: []byte(env.EventType)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	)
	if err != nil {
		lctx := p.log.WithFields(ctx, map[string]any{"topic": topic, "event_type": env.EventType})
		p.log.Warn(lctx, "lifecycle event dropped", err)
	}
}

// Close stops accepting messages and lets the drain loop flush and exit.
// Calling it more than once is safe.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

func (p *Producer) WaitClosed() { <-p.closeCh }
