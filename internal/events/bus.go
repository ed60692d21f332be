// Package events provides the typed publish/subscribe channel used for
// cross-cutting notifications (queue synced, went online, session ended).
package events

import (
	"context"
	"sync"
	"time"
)

// Type names a notification kind.
type Type string

const (
	Online            Type = "connectivity.online"
	Offline           Type = "connectivity.offline"
	QueueEnqueued     Type = "queue.enqueued"
	QueueSynced       Type = "queue.synced"
	QueueDropped      Type = "queue.dropped"
	SessionStarted    Type = "session.started"
	SessionRefreshed  Type = "session.refreshed"
	SessionTerminated Type = "session.terminated"
	DomainSynced      Type = "domain.synced"
)

// Event is a single notification. Payload carries a type-specific value
// (for example the dropped queue.Request).
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Bus fan-outs events to all active subscribers. Events of the types in
// reliableTypes are never dropped: when a subscriber's buffer is full they
// wait in a per-subscriber backlog, in publish order. Other events are
// dropped for a slow subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	buffer int
	now    func() time.Time
}

var reliableTypes = map[Type]struct{}{
	QueueDropped:      {},
	SessionTerminated: {},
}

func reliable(t Type) bool {
	_, ok := reliableTypes[t]
	return ok
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{}
	wake  chan struct{}

	mu      sync.Mutex
	backlog []Event
}

func (s *subscriber) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// offer delivers evt without blocking. It reports false when evt was dropped.
func (s *subscriber) offer(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		select {
		case s.ch <- evt:
			return true
		default:
		}
	}
	if !reliable(evt.Type) {
		return false
	}
	s.backlog = append(s.backlog, evt)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// pump moves backlogged events into ch until ctx ends. The head stays in
// the backlog until sent so later events cannot overtake it.
func (s *subscriber) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.backlog) == 0 {
				s.mu.Unlock()
				break
			}
			evt := s.backlog[0]
			s.mu.Unlock()

			select {
			case s.ch <- evt:
			case <-ctx.Done():
				return
			}

			s.mu.Lock()
			s.backlog[0] = Event{}
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
		}
	}
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: 64,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// When types are given only those are delivered. The channel is closed when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, types ...Type) <-chan Event {
	sub := &subscriber{
		ch:   make(chan Event, b.buffer),
		wake: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		sub.pump(ctx)
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch
}

// Publish fan-outs the event to all subscribers without blocking. A nil bus
// discards events.
func (b *Bus) Publish(t Type, payload any) {
	if b == nil {
		return
	}
	evt := Event{Type: t, Timestamp: b.now().UTC(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.wants(t) {
			sub.offer(evt)
		}
	}
}
