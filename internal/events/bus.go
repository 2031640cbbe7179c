// Package events fans job state changes out to live subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/jthickma/ytbatch/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Bus delivers every published event to every current subscriber. Publish
// never blocks: a subscriber whose queue is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	next    uint64
	dropped atomic.Uint64
	log     logrus.FieldLogger
}

// Subscription is one subscriber's ordered event queue.
type Subscription struct {
	C <-chan domain.Event

	id   uint64
	ch   chan domain.Event
	bus  *Bus
	once sync.Once
}

// NewBus creates a bus.
func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{subs: make(map[uint64]*Subscription), log: log}
}

// Subscribe registers a subscriber with the given queue length.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	s := &Subscription{C: ch, id: b.next, ch: ch, bus: b}
	b.subs[s.id] = s
	b.log.WithField("subscribers", len(b.subs)).Debug("event subscriber added")
	return s
}

// Publish implements domain.Publisher.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.WithFields(logrus.Fields{
				"subscriber": id,
				"event":      ev.Type,
				"job_id":     ev.JobID,
			}).Warn("subscriber queue full, event dropped")
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close removes every subscription and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
