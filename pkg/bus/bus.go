// Package bus is the notification queue between the inbound decoder and the
// conversation state consumer.
//
// The queue is bounded and never drops: a producer blocks while it is full,
// trading inbound throughput for delivery of every message notification.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed NotificationBus.
var ErrBusClosed = errors.New("notification bus closed")

const DefaultCapacity = 10

type NotificationBus struct {
	queue  chan Notification
	done   chan struct{}
	closed atomic.Bool
}

func NewNotificationBus(capacity int) *NotificationBus {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &NotificationBus{
		queue: make(chan Notification, capacity),
		done:  make(chan struct{}),
	}
}

// Publish enqueues n, blocking while the queue is full. Safe for concurrent producers.
func (nb *NotificationBus) Publish(ctx context.Context, n Notification) error {
	if nb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case nb.queue <- n:
		return nil
	case <-nb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the oldest queued notification. Notifications queued
// before Close are still delivered; ok is false once the bus is closed and
// empty, or when ctx ends.
func (nb *NotificationBus) Consume(ctx context.Context) (Notification, bool) {
	select {
	case n := <-nb.queue:
		return n, true
	default:
	}
	select {
	case n, ok := <-nb.queue:
		return n, ok
	case <-nb.done:
		return Notification{}, false
	case <-ctx.Done():
		return Notification{}, false
	}
}

// Len reports how many notifications are waiting.
func (nb *NotificationBus) Len() int {
	return len(nb.queue)
}

func (nb *NotificationBus) Cap() int {
	return cap(nb.queue)
}

func (nb *NotificationBus) Close() {
	if nb.closed.CompareAndSwap(false, true) {
		close(nb.done)
	}
}
