package trigger

import (
	"sync"
)

// Ticket is an admitted run waiting for, or holding, its key's slot.
type Ticket struct {
	RunID    string
	Decision Decision
}

type slot struct {
	running *Ticket
	pending *Ticket
}

// Queue implements the latest-wins policy: one running and at most one
// pending ticket per key. A running ticket is never replaced.
type Queue struct {
	mx    sync.Mutex
	slots map[Key]*slot
}

func NewQueue() *Queue {
	return &Queue{slots: make(map[Key]*slot)}
}

// Submit offers t for its key. When the key is idle t becomes running and
// start is true. Otherwise t becomes the pending ticket and the previous
// pending ticket, if any, is returned as superseded.
func (q *Queue) Submit(t Ticket) (start bool, superseded *Ticket) {
	q.mx.Lock()
	defer q.mx.Unlock()

	key := t.Decision.Key
	s, ok := q.slots[key]
	if !ok {
		q.slots[key] = &slot{running: &t}
		return true, nil
	}
	superseded = s.pending
	s.pending = &t
	return false, superseded
}

// Done releases the key held by runID and returns the pending ticket,
// which is now running, or nil when the key became idle.
func (q *Queue) Done(key Key, runID string) *Ticket {
	q.mx.Lock()
	defer q.mx.Unlock()

	s, ok := q.slots[key]
	if !ok || s.running == nil || s.running.RunID != runID {
		return nil
	}
	if s.pending == nil {
		delete(q.slots, key)
		return nil
	}
	s.running, s.pending = s.pending, nil
	return s.running
}

// Running returns the running ticket for key.
func (q *Queue) Running(key Key) (Ticket, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	s, ok := q.slots[key]
	if !ok || s.running == nil {
		return Ticket{}, false
	}
	return *s.running, true
}

// Pending returns the pending ticket for key.
func (q *Queue) Pending(key Key) (Ticket, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	s, ok := q.slots[key]
	if !ok || s.pending == nil {
		return Ticket{}, false
	}
	return *s.pending, true
}

// Len returns number of busy keys.
func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.slots)
}
