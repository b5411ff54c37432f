package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		m := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestConsumer_CommitsOnlyHandledMessages(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 0}, {Offset: 1}, {Offset: 2}}}
	c := newConsumer(r, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan int64, 3)
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(ctx context.Context, m kafka.Message) error {
			defer func() { handled <- m.Offset }()
			if m.Offset == 1 {
				return errors.New("order store unavailable")
			}
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called for every message")
		}
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.ElementsMatch(t, []int64{0, 2}, r.committed)
	assert.True(t, r.closed)
}

func TestProducer_CloseIsIdempotentAndDropsLatePublishes(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"}, 4, zap.NewNop())
	p.Close()
	p.Close()
	p.Publish("aggregator.order.placed", []byte("k"), []byte("v"))
	p.WaitClosed()
	assert.Len(t, p.inbox, 0)
}

func TestHeaders(t *testing.T) {
	m := kafka.Message{Headers: EventHeaders("OrderFulfilled", 1)}
	assert.Equal(t, "OrderFulfilled", Header(m, HeaderEventType))
	assert.Equal(t, "1", Header(m, HeaderEventVersion))
	assert.Equal(t, "", Header(m, "x-missing"))
}
