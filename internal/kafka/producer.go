package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer queues messages on a buffered inbox and writes them from a single
// goroutine. The writer carries no default topic; every message names its own.
type Producer struct {
	w     *kafka.Writer
	log   *zap.Logger
	inbox chan kafka.Message
	done  chan struct{}
	stop  chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	started  atomic.Bool
}

func NewProducer(brokers []string, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Producer{
		log:   log,
		inbox: make(chan kafka.Message, buf),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion:   p.completed,
	}
	return p
}

// async writes report failures here instead of from WriteMessages
func (p *Producer) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		p.log.Error("kafka write failed",
			zap.String("topic", m.Topic),
			zap.ByteString("key", m.Key),
			zap.Error(err),
		)
	}
}

// Start runs the write loop until Close is called or ctx is done. Either way
// queued messages are flushed before the writer closes.
func (p *Producer) Start(ctx context.Context) {
	p.started.Store(true)
	go func() {
		defer close(p.done)
		defer func() {
			if err := p.w.Close(); err != nil {
				p.log.Error("kafka writer close", zap.Error(err))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				p.Close()
				for m := range p.inbox {
					p.write(m)
				}
				return
			case m, ok := <-p.inbox:
				if !ok {
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		p.log.Error("kafka enqueue failed", zap.String("topic", m.Topic), zap.Error(err))
	}
}

// Publish queues one message. It blocks while the inbox is full and drops
// (with a log line) anything published once shutdown has begun.
func (p *Producer) Publish(topic string, key, value []byte, headers ...kafka.Header) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("publish after close", zap.String("topic", topic), zap.ByteString("key", key))
		return
	}
	m := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case p.inbox <- m:
	case <-p.stop:
		p.log.Warn("publish dropped during shutdown", zap.String("topic", topic), zap.ByteString("key", key))
	}
}

// Close stops accepting messages; the write loop flushes what is queued.
// Safe to call more than once.
func (p *Producer) Close() {
	// unblock publishers waiting on a full inbox so the lock below is reachable
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the write loop has flushed and closed the writer.
// It returns at once if Start was never called.
func (p *Producer) WaitClosed() {
	if !p.started.Load() {
		return
	}
	<-p.done
}
