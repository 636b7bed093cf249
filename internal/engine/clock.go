// Package engine is the discrete-event scheduler core driving mixsim's
// named worker processes (spec.md §4.3), generalised from
// katzenpost-client's priority-queue-backed scheduler
// (schedulers/priority/scheduler.go) from a wall-clock time.Timer onto a
// simulated clock backed by a binary heap.
package engine

import "container/heap"

// event is one scheduled callback, ordered by (dueTime, seq) so that
// events due at the same simulated instant fire in insertion order
// (spec.md §8 invariant/§4.3 "Tie-break for simultaneous events is FIFO
// of insertion").
type event struct {
	dueTime float64
	seq     uint64
	id      uint64
	fn      func()
	index   int
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].dueTime != h[j].dueTime {
		return h[i].dueTime < h[j].dueTime
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Clock is a single-threaded, cooperative simulated clock (spec.md §5):
// it owns every in-flight event and advances strictly as callbacks are
// popped and run, never by wall time.
type Clock struct {
	now     float64
	h       eventHeap
	nextSeq uint64
	nextID  uint64
	byID    map[uint64]*event
}

// NewClock creates a Clock starting at startTime.
func NewClock(startTime float64) *Clock {
	c := &Clock{now: startTime, byID: make(map[uint64]*event)}
	heap.Init(&c.h)
	return c
}

// Now returns the current simulated time.
func (c *Clock) Now() float64 { return c.now }

// Advance moves the simulated clock forward by a measured wall-clock
// duration (spec.md §4.3: "advances the sim clock by that amount before
// yielding, modelling CPU cost"). delta must be >= 0.
func (c *Clock) Advance(delta float64) {
	if delta > 0 {
		c.now += delta
	}
}

// Schedule enqueues fn to run after delay simulated seconds from now,
// returning an opaque event id the caller can use to cancel it or mirror
// it in an EventLog entry.
func (c *Clock) Schedule(delay float64, fn func()) uint64 {
	if delay < 0 {
		delay = 0
	}
	c.nextID++
	id := c.nextID
	c.nextSeq++
	e := &event{dueTime: c.now + delay, seq: c.nextSeq, id: id, fn: fn}
	heap.Push(&c.h, e)
	c.byID[id] = e
	return id
}

// ScheduleAt enqueues fn to run at the given absolute simulated time
// (used by checkpoint restore, spec.md §4.6, which re-schedules every
// pending event at its original due time).
func (c *Clock) ScheduleAt(dueTime float64, fn func()) uint64 {
	delay := dueTime - c.now
	if delay < 0 {
		delay = 0
	}
	return c.Schedule(delay, fn)
}

// Cancel removes a pending event, if still present. Safe to call on an
// id that already fired.
func (c *Clock) Cancel(id uint64) {
	e, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	if e.index >= 0 {
		heap.Remove(&c.h, e.index)
	}
}

// Empty reports whether there are no pending events.
func (c *Clock) Empty() bool { return c.h.Len() == 0 }

// Step pops and runs the single earliest-due event, reporting its due
// time. Returns false if the heap is empty.
func (c *Clock) Step() (float64, bool) {
	if c.h.Len() == 0 {
		return c.now, false
	}
	e := heap.Pop(&c.h).(*event)
	delete(c.byID, e.id)
	c.now = e.dueTime
	due := e.dueTime
	e.fn()
	return due, true
}

// Pending returns the due times of every event still on the heap, for
// checkpointing. Order is unspecified.
func (c *Clock) Pending() []float64 {
	out := make([]float64, 0, len(c.h))
	for _, e := range c.h {
		out = append(out, e.dueTime)
	}
	return out
}
