package orchestrator

import (
	"sync"

	"github.com/eljapi/code-talk-reviwer/domain"
)

// Observer receives session events. It runs on the session task that
// produced the event and must not block.
type Observer func(ev domain.Event)

type subscription struct {
	fn    Observer
	types map[domain.EventType]bool
}

func (s *subscription) wants(t domain.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// subscribers is the process-wide observer list
type subscribers struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscription
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]*subscription)}
}

func (s *subscribers) add(fn Observer, types []domain.EventType) func() {
	sub := &subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) snapshot() []*subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// dispatcher delivers one session's events in the order they were
// enqueued. Whichever goroutine flushes first delivers the whole backlog,
// so an observer that triggers further events does not deadlock.
type dispatcher struct {
	global *subscribers
	local  []Observer

	mu      sync.Mutex
	pending []domain.Event

	delivering sync.Mutex
}

func newDispatcher(global *subscribers, local []Observer) *dispatcher {
	return &dispatcher{global: global, local: local}
}

func (d *dispatcher) Enqueue(ev domain.Event) {
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	d.mu.Unlock()
}

func (d *dispatcher) Flush() {
	for {
		if !d.delivering.TryLock() {
			return
		}
		for {
			batch := d.take()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				d.deliver(ev)
			}
		}
		d.delivering.Unlock()

		if !d.hasPending() {
			return
		}
	}
}

// emit enqueues and flushes in one step
func (d *dispatcher) emit(ev domain.Event) {
	d.Enqueue(ev)
	d.Flush()
}

func (d *dispatcher) take() []domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.pending
	d.pending = nil
	return batch
}

func (d *dispatcher) hasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

func (d *dispatcher) deliver(ev domain.Event) {
	for _, sub := range d.global.snapshot() {
		if sub.wants(ev.Type) {
			sub.fn(ev)
		}
	}
	for _, fn := range d.local {
		fn(ev)
	}
}
