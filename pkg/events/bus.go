package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one event. Synchronous handlers run inline with Emit;
// asynchronous handlers run on the bus worker pool and must not assume any
// ordering relative to sibling handlers.
type Handler func(Event)

// UnsubscribeFunc removes a previously registered handler.
type UnsubscribeFunc func()

const (
	recentRingSize  = 100
	asyncQueueSize  = 1024
	defaultNWorkers = 4
)

type subscription struct {
	id      uint64
	handler Handler
	async   bool
}

// Bus is a typed fan-out dispatcher. Emit never blocks on asynchronous
// handlers; synchronous taps (counters, latency recording) execute inline.
type Bus struct {
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[Type][]subscription
	nextID uint64

	statsMu sync.Mutex
	counts  map[Type]uint64
	recent  []Event
	head    int

	queue    chan queued
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type queued struct {
	h  Handler
	ev Event
}

// NewBus creates a bus with the default worker pool size.
func NewBus(log zerolog.Logger) *Bus {
	return NewBusWithWorkers(log, defaultNWorkers)
}

// NewBusWithWorkers creates a bus with n async dispatch workers.
func NewBusWithWorkers(log zerolog.Logger, n int) *Bus {
	if n < 1 {
		n = 1
	}
	b := &Bus{
		log:    log.With().Str("component", "bus").Logger(),
		subs:   make(map[Type][]subscription),
		counts: make(map[Type]uint64),
		recent: make([]Event, 0, recentRingSize),
		queue:  make(chan queued, asyncQueueSize),
		stop:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case q := <-b.queue:
			b.invoke(q.h, q.ev)
		}
	}
}

// Subscribe registers a synchronous handler for an event type.
func (b *Bus) Subscribe(t Type, h Handler) UnsubscribeFunc {
	return b.subscribe(t, h, false)
}

// SubscribeAsync registers a handler dispatched on the worker pool.
func (b *Bus) SubscribeAsync(t Type, h Handler) UnsubscribeFunc {
	return b.subscribe(t, h, true)
}

func (b *Bus) subscribe(t Type, h Handler, async bool) UnsubscribeFunc {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h, async: async})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s.id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches an event. The subscriber list is snapshotted so handlers
// may subscribe or unsubscribe while an emit is in flight. A panicking
// handler is logged and does not prevent siblings from running.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.tap(ev)

	b.mu.RLock()
	snapshot := make([]subscription, len(b.subs[ev.Type]))
	copy(snapshot, b.subs[ev.Type])
	b.mu.RUnlock()

	for _, s := range snapshot {
		if s.async {
			select {
			case b.queue <- queued{h: s.handler, ev: ev}:
			default:
				// Queue saturated: spill to a goroutine rather than block
				// the emitter or drop the event.
				h := s.handler
				go b.invoke(h, ev)
			}
			continue
		}
		b.invoke(s.handler, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event", string(ev.Type)).
				Str("trace_id", ev.TraceID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}

func (b *Bus) tap(ev Event) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.counts[ev.Type]++
	if len(b.recent) < recentRingSize {
		b.recent = append(b.recent, ev)
	} else {
		b.recent[b.head] = ev
		b.head = (b.head + 1) % recentRingSize
	}
}

// Counts returns a copy of the per-type emit counters.
func (b *Bus) Counts() map[Type]uint64 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	out := make(map[Type]uint64, len(b.counts))
	for t, n := range b.counts {
		out[t] = n
	}
	return out
}

// Recent returns the bounded ring of recent events, oldest first.
func (b *Bus) Recent() []Event {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	out := make([]Event, 0, len(b.recent))
	out = append(out, b.recent[b.head:]...)
	out = append(out, b.recent[:b.head]...)
	return out
}

// SubscriberCount returns the number of handlers for an event type.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Close stops the async workers. Queued events are abandoned.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}
