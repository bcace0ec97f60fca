// Package eventbus is the typed publish/subscribe hub every component
// reports lifecycle events through.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"voxd/pkg/types"
)

// Publisher is the narrow interface components depend on. The full Bus
// satisfies it; tests can substitute a Recorder.
type Publisher interface {
	Publish(types.Event)
}

// Nop drops all events. Useful as a default so components never need a
// nil check before publishing.
type Nop struct{}

func (Nop) Publish(types.Event) {}

const defaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that stops draining loses its oldest undelivered events, counted per
// subscription. Delivery to one subscriber happens in publish order, which
// gives the per-correlation-id ordering guarantee for free as long as each
// correlation id is published from a single goroutine (all components here
// do that).
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscription is one subscriber's view of the bus. Events arrive on C until
// Close is called or the bus shuts down.
type Subscription struct {
	bus     *Bus
	id      uint64
	cats    map[types.EventCategory]struct{} // nil means all categories
	ch      chan types.Event
	dropped atomic.Uint64
	done    bool // guarded by bus.mu
}

// C is the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan types.Event { return s.ch }

// Dropped returns how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	delete(s.bus.subs, s.id)
	close(s.ch)
}

func (s *Subscription) wants(cat types.EventCategory) bool {
	if s.cats == nil {
		return true
	}
	_, ok := s.cats[cat]
	return ok
}

// Subscribe registers for the given categories; no categories means all.
// The caller must Close the subscription when done.
func (b *Bus) Subscribe(cats ...types.EventCategory) *Subscription {
	return b.SubscribeBuffered(defaultBuffer, cats...)
}

// SubscribeBuffered is Subscribe with an explicit channel depth.
func (b *Bus) SubscribeBuffered(buffer int, cats ...types.EventCategory) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Subscription{bus: b, ch: make(chan types.Event, buffer)}
	if len(cats) > 0 {
		s.cats = make(map[types.EventCategory]struct{}, len(cats))
		for _, c := range cats {
			s.cats[c] = struct{}{}
		}
	}
	b.mu.Lock()
	if b.closed {
		s.done = true
		b.mu.Unlock()
		close(s.ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Publish delivers e to every matching subscriber and returns. It never
// blocks and never re-enters subscriber code: handlers run on the
// subscriber's side of the channel, so a panicking consumer cannot corrupt
// the bus or starve other subscribers.
func (b *Bus) Publish(e types.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(e.Category) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Full: shed the oldest undelivered event and retry once.
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- e:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// Close tears the bus down and ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.done = true
		close(s.ch)
	}
}
