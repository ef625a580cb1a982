package events

import (
	"sync"

	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

// Subscription receives action notifications until it is cancelled.
type Subscription struct {
	C <-chan domain.ActionNotification

	ch       chan domain.ActionNotification
	reliable bool
	done     chan struct{}
	once     sync.Once
}

// NotificationBroadcaster fans out action notifications to all subscribers.
// Lossy subscribers miss notifications when their buffer is full; reliable ones
// make Publish wait until they read or cancel.
type NotificationBroadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewNotificationBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewNotificationBroadcaster(buffer int) *NotificationBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &NotificationBroadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Publish sends n to all subscribers.
func (b *NotificationBroadcaster) Publish(n domain.ActionNotification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.reliable {
			select {
			case sub.ch <- n:
			default:
				// drop slow consumer
			}
			continue
		}
		select {
		case sub.ch <- n:
		case <-sub.done:
		}
	}
}

// Subscribe registers a lossy subscriber.
func (b *NotificationBroadcaster) Subscribe() *Subscription {
	return b.subscribe(false)
}

// SubscribeReliable registers a subscriber that never misses a notification.
func (b *NotificationBroadcaster) SubscribeReliable() *Subscription {
	return b.subscribe(true)
}

func (b *NotificationBroadcaster) subscribe(reliable bool) *Subscription {
	ch := make(chan domain.ActionNotification, b.buffer)
	sub := &Subscription{C: ch, ch: ch, reliable: reliable, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *NotificationBroadcaster) Unsubscribe(sub *Subscription) {
	sub.once.Do(func() { close(sub.done) })
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}
