package telem

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
)

// EventRing is a thread-safe ring of control events. The API reads it from
// its own goroutine while the control loop appends.
type EventRing struct {
	mu       sync.RWMutex
	data     []*pkg.Event
	capacity int
	head     int
	size     int
	onAdd    func(*pkg.Event)
}

// NewEventRing creates a ring holding at most capacity events
func NewEventRing(capacity int) *EventRing {
	return &EventRing{
		data:     make([]*pkg.Event, capacity),
		capacity: capacity,
	}
}

// Add appends an event, overwriting the oldest when full
func (r *EventRing) Add(event *pkg.Event) {
	r.mu.Lock()
	tail := (r.head + r.size) % r.capacity
	r.data[tail] = event
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
	cb := r.onAdd
	r.mu.Unlock()

	if cb != nil {
		cb(event)
	}
}

// Since returns events with a timestamp after since, oldest first. A
// non-positive limit returns all matches; otherwise the newest limit.
func (r *EventRing) Since(since time.Time, limit int) []*pkg.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*pkg.Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.data[(r.head+i)%r.capacity]
		if ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of held events
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// SetCallback registers a function invoked after every Add
func (r *EventRing) SetCallback(cb func(*pkg.Event)) {
	r.mu.Lock()
	r.onAdd = cb
	r.mu.Unlock()
}
