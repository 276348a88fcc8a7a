package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer buffers messages in memory and writes them from a single loop.
// Publishers never wait on the broker.
type Producer struct {
	w       *kafka.Writer
	logger  *zap.Logger
	inbox   chan kafka.Message
	done    chan struct{}
	once    sync.Once
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger:  logger.With(zap.String("topic", topic)),
		inbox:   make(chan kafka.Message, buf),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Start runs the write loop until ctx is cancelled or Close is called, then
// flushes what is still buffered.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		defer func() {
			if err := p.w.Close(); err != nil {
				p.logger.Warn("kafka writer close", zap.Error(err))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case <-p.done:
				p.drain()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error("kafka write failed", zap.ByteString("key", m.Key), zap.Error(err))
	}
}

// TryPublish enqueues a message and reports false, without blocking, when
// the buffer is full or the producer is closed.
func (p *Producer) TryPublish(key, value []byte, headers ...kafka.Header) bool {
	select {
	case <-p.done:
		p.logger.Warn("kafka producer closed, message dropped", zap.ByteString("key", key))
		return false
	default:
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return true
	default:
		p.logger.Warn("kafka buffer full, message dropped", zap.ByteString("key", key))
		return false
	}
}

// Close stops accepting messages; the loop flushes the rest and exits.
// It is safe to call more than once and alongside TryPublish.
func (p *Producer) Close() { p.once.Do(func() { close(p.done) }) }

func (p *Producer) WaitClosed() { <-p.closeCh }
