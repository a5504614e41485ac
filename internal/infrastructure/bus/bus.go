// Package bus implements the in-memory channel-keyed publish/subscribe
// fanout at the center of the relay. The bus owns the per-channel
// subscriber sets and is the sole synchronization point for them.
package bus

import (
	"errors"
	"sync"

	"go-webhook-relay/internal/infrastructure/logger"
)

// ErrClosed is returned by Publish and Redeliver after the bus has been
// shut down. It is the only failure a publisher can observe; a channel
// with zero subscribers is a defined success.
var ErrClosed = errors.New("bus is closed")

// Handler receives one event. Handlers must not block: the stream layer
// satisfies this by enqueueing into a per-connection frame queue.
type Handler func(*Event)

// Subscription is the handle returned by Subscribe and consumed by
// Unsubscribe. A subscription belongs to exactly one channel.
type Subscription struct {
	channelID string
	id        uint64
	handler   Handler
}

// ChannelID returns the channel this subscription is registered under.
func (s *Subscription) ChannelID() string {
	return s.channelID
}

// Bus fans published events out to every subscriber of their channel.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[uint64]*Subscription
	nextID   uint64
	closed   bool

	logger logger.Logger
}

// New creates an empty bus.
func New(log logger.Logger) *Bus {
	return &Bus{
		channels: make(map[string]map[uint64]*Subscription),
		logger:   log.WithField("component", "bus"),
	}
}

// Subscribe registers handler under channelID and returns the handle
// needed to remove it again. Safe to call concurrently with Publish.
func (b *Bus) Subscribe(channelID string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		channelID: channelID,
		id:        b.nextID,
		handler:   handler,
	}

	subs, ok := b.channels[channelID]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.channels[channelID] = subs
	}
	subs[sub.id] = sub

	b.logger.Debugf("subscription %d added to channel %s (%d total)", sub.id, channelID, len(subs))
	return sub
}

// Unsubscribe removes a subscription. It is idempotent: removing a
// subscription twice, or one that was never added, is a no-op. Once the
// last subscription leaves a channel the channel entry itself is dropped,
// so abandoned channel ids do not accumulate state.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.channels[sub.channelID]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}

	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.channels, sub.channelID)
	}

	b.logger.Debugf("subscription %d removed from channel %s", sub.id, sub.channelID)
}

// Publish delivers event to every subscriber registered for channelID at
// call time and returns how many that was. The subscriber set is
// snapshotted under the read lock and iterated outside it, so
// subscribe/unsubscribe racing with an in-flight publish cannot corrupt
// iteration or double-deliver. Zero subscribers is a success: the event
// is silently discarded, never buffered.
func (b *Bus) Publish(channelID string, event *Event) (int, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrClosed
	}

	subs := b.channels[channelID]
	snapshot := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		sub.handler(event)
	}

	b.logger.Debugf("event delivered to %d subscribers on channel %s", len(snapshot), channelID)
	return len(snapshot), nil
}

// Redeliver replays an existing payload to channelID. Semantics are those
// of Publish; the distinction is caller intent, and the resulting frames
// differ from a fresh publish only in sequence id and timestamp.
func (b *Bus) Redeliver(channelID string, event *Event) (int, error) {
	return b.Publish(channelID, event)
}

// SubscriberCount returns the number of live subscriptions on a channel.
func (b *Bus) SubscriberCount(channelID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channelID])
}

// ChannelCount returns the number of channels with at least one subscriber.
func (b *Bus) ChannelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// SubscriptionCount returns the total number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, subs := range b.channels {
		total += len(subs)
	}
	return total
}

// Close shuts the bus down. Subsequent publishes fail with ErrClosed and
// all subscriber state is released. Closing twice is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.channels = make(map[string]map[uint64]*Subscription)
	b.logger.Info("bus closed")
}
