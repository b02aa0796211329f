// Package events is the pub/sub surface the link core publishes domain
// events to and the HTTP debug surface's long-poll endpoint subscribes
// from. Delivery is best-effort: a slow subscriber gets its queue
// dropped into rather than the publisher blocking, the same bounded-queue
// fan-out discipline used for push notification delivery.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Kind names a domain event.
type Kind string

const (
	KindDeviceFound        Kind = "device_found"
	KindDeviceLost         Kind = "device_lost"
	KindPlayerUpdate       Kind = "player_update"
	KindBeat               Kind = "beat"
	KindMasterChanged      Kind = "master_changed"
	KindClockSourceChanged Kind = "clock_source_changed"
	KindMidiUnderrun       Kind = "midi_underrun"
)

// Event is a single published occurrence. For master_changed,
// DeviceNumber is the new master (0 if none); it is 0 for events that
// aren't scoped to one device (clock_source_changed).
type Event struct {
	Kind         Kind
	DeviceNumber byte
	Data         any
}

const subscriberQueueCap = 64

// Subscription is a handle returned by Bus.Subscribe; the caller reads
// from C until it calls Unsubscribe, which closes C.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Event
}

// Bus fans out published events to all current subscribers without
// blocking the publisher: a subscriber whose queue is full has the
// event dropped rather than stalling the link core.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan Event
	logger      *slog.Logger
}

// NewBus constructs an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[uuid.UUID]chan Event),
		logger:      logger.With("subsystem", "events"),
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() Subscription {
	id := uuid.New()
	ch := make(chan Event, subscriberQueueCap)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return Subscription{ID: id, C: ch}
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers ev to every current subscriber, dropping it for any
// subscriber whose queue is currently full.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber queue full, dropping event", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// SubscriberCount reports the number of active subscribers, mainly for
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
