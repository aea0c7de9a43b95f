// Package eventbus implements DevLoop's in-process pub/sub substrate: a
// single dispatch loop that
// fans emitted events out to pattern-matched consumer queues without
// letting a slow consumer block delivery to anyone else.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devloop-dev/devloop/pkg/event"
)

func timeNow() time.Time { return time.Now() }

// DefaultRecentCap is the default size of the bounded recent-event log.
const DefaultRecentCap = 100

// DefaultEventChanDepth bounds the bus's internal dispatch channel.
const DefaultEventChanDepth = 256

// Queue is a consumer's event channel. Agents and collectors own their
// queue exclusively; the bus only ever holds a reference for delivery.
type Queue chan event.Event

// NewQueue allocates a bounded consumer queue of the given depth.
func NewQueue(depth int) Queue {
	if depth <= 0 {
		depth = 256
	}
	return make(Queue, depth)
}

type subscription struct {
	pattern string
	queue   Queue
	dropped int64 // atomic
}

// Stats reports per-subscription delivery bookkeeping, surfaced through
// AgentManager.Health().
type Stats struct {
	Pattern string
	Dropped int64
}

// Bus is the event bus: pattern subscriptions plus a bounded recent-event
// log. The zero value is not usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription

	eventCh chan event.Event
	stopCh  chan struct{}
	started bool
	stopped bool

	recentMu  sync.Mutex
	recent    []event.Event
	recentCap int
}

// New creates a Bus with the default recent-log capacity.
func New() *Bus {
	return &Bus{
		eventCh:   make(chan event.Event, DefaultEventChanDepth),
		stopCh:    make(chan struct{}),
		recentCap: DefaultRecentCap,
	}
}

// Start begins the bus's dispatch loop. Must be called once before Emit.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.run()
}

// Stop closes the bus. No new emits are accepted after Stop returns;
// already-enqueued events continue draining until the dispatch loop exits.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stopCh)
}

// Subscribe registers queue to receive events matching pattern. Subscribing
// the same (pattern, queue) pair twice is a no-op.
func (b *Bus) Subscribe(pattern string, queue Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.pattern == pattern && s.queue == queue {
			return
		}
	}
	b.subs = append(b.subs, &subscription{pattern: pattern, queue: queue})
}

// Unsubscribe removes the (pattern, queue) registration. No *new* delivery
// happens after this returns; a delivery already in flight on another
// goroutine's snapshot of subs may still land.
func (b *Bus) Unsubscribe(pattern string, queue Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.pattern == pattern && s.queue == queue {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription registered for queue,
// regardless of pattern. Used by the agent base on stop().
func (b *Bus) UnsubscribeAll(queue Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.queue != queue {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Emit publishes an event. Fire-and-forget from the caller's perspective:
// it enqueues onto the bus's internal dispatch channel and returns once
// accepted (or the bus is stopped).
func (b *Bus) Emit(ev event.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = timeNow()
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

// Recent returns up to limit of the most recently emitted events, newest
// last. The log itself is capped at DefaultRecentCap entries.
func (b *Bus) Recent(limit int) []event.Event {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()

	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	start := len(b.recent) - limit
	out := make([]event.Event, limit)
	copy(out, b.recent[start:])
	return out
}

// Stats returns the dropped-event counters for every subscription
// registered under queue, one entry per pattern it's subscribed to.
func (b *Bus) Stats(queue Queue) []Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Stats
	for _, s := range b.subs {
		if s.queue == queue {
			out = append(out, Stats{Pattern: s.pattern, Dropped: atomic.LoadInt64(&s.dropped)})
		}
	}
	return out
}

func (b *Bus) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.dispatch(ev)
		case <-b.stopCh:
			b.drain()
			return
		}
	}
}

// drain dispatches any events already accepted onto eventCh before Stop
// was called, so an event that Emit accepted just before Stop still reaches
// its subscribers instead of being lost to the race between the two.
func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.eventCh:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ev event.Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if event.MatchPattern(s.pattern, ev.Type) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		deliver(s, ev)
	}

	b.appendRecent(ev)
}

// deliver sends ev to s's queue without blocking. If the queue is full,
// the oldest queued event for THIS consumer is dropped and the send is
// retried; other consumers are unaffected.
func deliver(s *subscription, ev event.Event) {
	for {
		select {
		case s.queue <- ev:
			return
		default:
			select {
			case <-s.queue:
				atomic.AddInt64(&s.dropped, 1)
			default:
				// Consumer drained it between our full-check and now; retry send.
			}
		}
	}
}

func (b *Bus) appendRecent(ev event.Event) {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()

	b.recent = append(b.recent, ev)
	if len(b.recent) > b.recentCap {
		b.recent = b.recent[len(b.recent)-b.recentCap:]
	}
}
