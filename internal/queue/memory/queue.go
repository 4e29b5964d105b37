// Package memory backs the queue interfaces with a buffered channel. It
// stands in for Kafka when FleetGuard runs without external storage, and
// in tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"fleetguard/internal/queue"
)

// ErrQueueClosed is returned by Publish once Close has been called.
var ErrQueueClosed = errors.New("memory queue closed")

// Compile-time checks that Queue is both ends of the bus.
var (
	_ queue.Producer = (*Queue)(nil)
	_ queue.Consumer = (*Queue)(nil)
)

// Queue is a single-process event bus. One Queue serves as both producer
// and consumer; with a single consumer messages are handled in publish
// order, which preserves per-device ordering without partitioning.
type Queue struct {
	ch chan *queue.Message

	mu      sync.RWMutex
	closed  bool
	onError func(msg *queue.Message, err error)

	consumers sync.WaitGroup
}

// NewQueue creates a queue holding up to capacity unconsumed messages.
// Publish blocks once the buffer is full.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *queue.Message, capacity)}
}

// OnError registers a callback for messages whose handler failed. There is
// no redelivery, so the callback is the only trace of the failure.
func (q *Queue) OnError(fn func(msg *queue.Message, err error)) {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
}

// Publish enqueues msg, waiting for buffer space until ctx is done. The
// read lock is held across the send so Close cannot close the channel
// under a blocked publisher.
func (q *Queue) Publish(ctx context.Context, msg *queue.Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start hands each message to handler until ctx is canceled or the queue
// is closed and drained.
func (q *Queue) Start(ctx context.Context, handler queue.MessageHandler) error {
	q.consumers.Add(1)
	defer q.consumers.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-q.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				q.reportFailure(msg, err)
			}
		}
	}
}

func (q *Queue) reportFailure(msg *queue.Message, err error) {
	q.mu.RLock()
	fn := q.onError
	q.mu.RUnlock()
	if fn != nil {
		fn(msg, err)
	}
}

// Close rejects further publishes and waits for consumers to drain what is
// already buffered. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.consumers.Wait()
	return nil
}

// Len reports the number of buffered, unconsumed messages.
func (q *Queue) Len() int {
	return len(q.ch)
}
