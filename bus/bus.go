// Package bus provides the process-wide event fan-out used by every ztalkd
// component. Publishers never block on subscribers: each subscription owns a
// bounded queue and drops its oldest events under pressure.
package bus

import (
	"log"
	"sync"
)

// Kind identifies an event category for subscription filtering.
type Kind string

const (
	KindPeerAdded              Kind = "peer_added"
	KindPeerUpdated            Kind = "peer_updated"
	KindPeerStateChanged       Kind = "peer_state_changed"
	KindPeerRemoved            Kind = "peer_removed"
	KindMessageReceived        Kind = "message_received"
	KindMessageSendFailed      Kind = "message_send_failed"
	KindGroupUpdated           Kind = "group_updated"
	KindConnectionStateChanged Kind = "connection_state_changed"
	KindOutputReceived         Kind = "output_received"
)

// Event is implemented by every payload published on the bus.
type Event interface {
	EventKind() Kind
}

const (
	// DefaultQueueSize bounds each subscriber's pending event queue.
	DefaultQueueSize = 256
)

// Bus fans events out to any number of independent subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives a filtered stream of bus events.
type Subscription struct {
	bus   *Bus
	kinds map[Kind]struct{}
	ch    chan Event

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Subscribe registers a subscriber for the given kinds. With no kinds it
// receives every event. The returned subscription must be closed when the
// consumer is done with it.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	return b.SubscribeBuffered(DefaultQueueSize, kinds...)
}

// SubscribeBuffered is Subscribe with an explicit queue bound.
func (b *Bus) SubscribeBuffered(queueSize int, kinds ...Kind) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, queueSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		sub.offer(event)
	}
}

// Events returns the subscription's receive channel. The channel is closed
// when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close removes the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// offer enqueues the event, evicting the oldest queued event when full so a
// slow consumer never stalls a publisher.
func (s *Subscription) offer(event Event) {
	if !s.wants(event.EventKind()) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- event:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			log.Printf("bus: slow subscriber dropped %d event(s), latest kind=%s", s.dropped, event.EventKind())
		}
	default:
	}

	select {
	case s.ch <- event:
	default:
		s.dropped++
	}
}
