// ABOUTME: In-memory fan-out event bus delivering every event to every subscriber
// ABOUTME: Non-blocking publish with per-subscriber bounded queues and drop-on-full

package bus

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueCapacity is the subscription queue size used when the
// configured capacity is zero or negative.
const DefaultQueueCapacity = 100

// Subscription is a bounded inbound queue registered with the bus. It is
// owned exclusively by one consumer; the bus retains it only as a set member
// for delivery and removal.
type Subscription struct {
	ch chan Event
}

// Events returns the receive side of the subscription queue. The channel is
// closed when the subscription is removed from the bus.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Bus is the process-wide pub/sub primitive. It performs no filtering: every
// registered subscription receives every published event, and scope filtering
// is the consumer's responsibility. This keeps publish O(subscribers) with no
// domain coupling.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
	logger   *slog.Logger
}

// New creates a bus whose subscriptions hold up to capacity events.
// Pass nil logger for the default.
func New(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers a new bounded queue and returns it immediately.
// It never blocks.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Event, b.capacity)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	total := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "total_subscribers", total)
	return sub
}

// Publish validates the event, fills its timestamp if missing, and attempts a
// non-blocking enqueue to every registered subscription. A full queue on one
// subscriber drops the event for that subscriber only and is logged as a
// delivery warning; it never fails the publish or affects other subscribers.
//
// The event's Data and Metadata maps are not copied: all subscribers see the
// same maps, so callers must treat them as read-only after publishing.
//
// The read lock is held across the sends so that an unsubscribe (which takes
// the write lock and closes the queue) can never race a delivery. Sends are
// non-blocking, so the hold time is bounded.
func (b *Bus) Publish(event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropped event for slow subscriber",
				"event_type", event.Type,
				"user_id", event.UserID)
		}
	}
	return nil
}

// Unsubscribe removes the subscription and closes its queue. Removing an
// unknown or already-removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "total_subscribers", len(b.subs))
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes and closes every subscription. Subsequent Subscribe calls
// return an already-closed subscription and publishes deliver to no one.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	b.logger.Debug("bus closed")
}
