package notification

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetguard/internal/metrics"
)

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 64

// Publisher is the write side of the hub, used by components that emit
// notifications.
type Publisher interface {
	Publish(n Notification)
}

// Hub delivers notifications to every subscriber. Publish never blocks.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewHub creates a new notification hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	id      uint64
	name    string
	ch      chan Notification
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the channel notifications are delivered on. It is closed when
// the subscription or the hub is closed.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Name returns the subscriber name used in logs and metrics.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many notifications this subscriber missed because
// its buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Subscribe registers a subscriber with its own buffered channel.
func (h *Hub) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:   h.nextID,
		name: name,
		ch:   make(chan Notification, buffer),
		hub:  h,
	}
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// remove detaches a subscription and closes its channel. The channel is
// closed under the write lock so no Publish can send on it afterwards.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, sub.id)
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers the notification to every subscriber with room in its
// buffer. Slow subscribers lose the notification; writers never wait.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	metrics.NotificationsPublishedTotal.WithLabelValues(string(n.Kind)).Inc()

	for _, sub := range h.subs {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			metrics.NotificationsDroppedTotal.WithLabelValues(sub.name).Inc()
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Attach subscribes the sink and forwards notifications to it on its own
// goroutine until ctx is canceled or the hub is closed. Delivery errors are
// logged and never reach the publisher.
func (h *Hub) Attach(ctx context.Context, sink Sink, buffer int) *Subscription {
	sub := h.Subscribe(sink.Name(), buffer)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case n, ok := <-sub.C():
				if !ok {
					return
				}
				if err := sink.Deliver(ctx, n); err != nil {
					h.logger.Warn("notification delivery failed",
						"sink", sink.Name(),
						"kind", n.Kind,
						"error", err,
					)
					continue
				}
				if !n.At.IsZero() {
					metrics.NotificationLatency.Observe(time.Since(n.At).Seconds())
				}
			}
		}
	}()

	return sub
}

// Close closes every subscription and waits for attached sinks to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
	h.mu.Unlock()

	h.wg.Wait()
}
