package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
)

// MemoryBus provides in-memory publish-subscribe messaging for
// single-process operation. Delivery uses buffered Go channels and is
// non-blocking: a subscriber whose buffer is full misses the message,
// which mirrors a QoS-0 broker under backpressure.
type MemoryBus struct {
	subscribers map[string]*memorySubscriber
	subsMutex   sync.RWMutex

	bufferSize int
	closed     bool
	closeMutex sync.RWMutex

	nextID  int64
	idMutex sync.Mutex

	// dropped counts messages discarded because a subscriber buffer was full.
	dropped int64
}

type memorySubscriber struct {
	id      string
	filter  string
	channel chan Message
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *memorySubscriber) close() {
	s.once.Do(func() { close(s.channel) })
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) MemoryOption {
	return func(b *MemoryBus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		subscribers: make(map[string]*memorySubscriber),
		bufferSize:  64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends a payload to every subscriber whose filter matches topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return laberrors.WrapBusError(topic, "publish", laberrors.ErrBusClosed)
	}

	msg := Message{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	// Deliver while holding the read lock: unsubscribe and Close close
	// subscriber channels under the write lock, so no send can race a
	// close. Sends are non-blocking, so the lock is never held long.
	b.subsMutex.RLock()
	for _, sub := range b.subscribers {
		if !TopicMatches(sub.filter, topic) {
			continue
		}
		select {
		case sub.channel <- msg:
		default:
			// Subscriber buffer full, message is lost for this subscriber.
			b.idMutex.Lock()
			b.dropped++
			b.idMutex.Unlock()
		}
	}
	b.subsMutex.RUnlock()

	return nil
}

// Subscribe registers a filter and returns the delivery channel plus an
// unsubscribe function. Cancelling ctx also tears the subscription down.
func (b *MemoryBus) Subscribe(ctx context.Context, filter string) (<-chan Message, func(), error) {
	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return nil, nil, laberrors.WrapBusError(filter, "subscribe", laberrors.ErrBusClosed)
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &memorySubscriber{
		id:      fmt.Sprintf("sub_%d_%d", time.Now().UnixNano(), b.nextSubID()),
		filter:  filter,
		channel: make(chan Message, b.bufferSize),
		cancel:  cancel,
	}

	b.subsMutex.Lock()
	b.subscribers[sub.id] = sub
	b.subsMutex.Unlock()

	unsubscribe := func() {
		cancel()

		b.subsMutex.Lock()
		if _, exists := b.subscribers[sub.id]; exists {
			delete(b.subscribers, sub.id)
			sub.close()
		}
		b.subsMutex.Unlock()
	}

	go func() {
		<-subCtx.Done()
		unsubscribe()
	}()

	return sub.channel, unsubscribe, nil
}

// Close shuts down the bus and closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.closeMutex.Lock()
	defer b.closeMutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.subsMutex.Lock()
	defer b.subsMutex.Unlock()

	for _, sub := range b.subscribers {
		sub.cancel()
		sub.close()
	}
	b.subscribers = make(map[string]*memorySubscriber)

	return nil
}

// SubscriberCount returns how many subscriptions are live. Tests use it
// to wait until an agent has finished wiring its topics.
func (b *MemoryBus) SubscriberCount() int {
	b.subsMutex.RLock()
	defer b.subsMutex.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many messages were lost to full subscriber buffers.
func (b *MemoryBus) Dropped() int64 {
	b.idMutex.Lock()
	defer b.idMutex.Unlock()
	return b.dropped
}

func (b *MemoryBus) nextSubID() int64 {
	b.idMutex.Lock()
	defer b.idMutex.Unlock()
	b.nextID++
	return b.nextID
}
