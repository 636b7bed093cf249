// Package payloadqueue implements the per-sender PAYLOAD FIFO and the
// per-message-id LatencyTracker (spec.md §3).
package payloadqueue

import (
	channels "gopkg.in/eapache/channels.v1"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
)

// Queues is a per-sender FIFO of PAYLOAD splits awaiting transmission,
// backed by an unbounded, order-preserving, non-blocking-producer channel
// (spec.md §3 PayloadQueue: "FIFO of Packet per sender").
type Queues struct {
	bySender map[string]*channels.InfiniteChannel
}

// NewQueues creates an empty set of per-sender queues.
func NewQueues() *Queues {
	return &Queues{bySender: make(map[string]*channels.InfiniteChannel)}
}

func (q *Queues) queueFor(sender string) *channels.InfiniteChannel {
	ch, ok := q.bySender[sender]
	if !ok {
		ch = channels.NewInfiniteChannel()
		q.bySender[sender] = ch
	}
	return ch
}

// Put enqueues a packet for sender.
func (q *Queues) Put(sender string, pkt *mixtypes.Packet) {
	q.queueFor(sender).In() <- pkt
}

// TryGet dequeues the oldest packet for sender, if any is queued.
func (q *Queues) TryGet(sender string) (*mixtypes.Packet, bool) {
	ch, ok := q.bySender[sender]
	if !ok {
		return nil, false
	}
	select {
	case v, ok := <-ch.Out():
		if !ok {
			return nil, false
		}
		return v.(*mixtypes.Packet), true
	default:
		return nil, false
	}
}

// NonEmpty reports whether sender has at least one queued packet, used
// by the TIME_PROXIMITY sampler mode (spec.md §4.4).
func (q *Queues) NonEmpty(sender string) bool {
	ch, ok := q.bySender[sender]
	if !ok {
		return false
	}
	return ch.Len() > 0
}

// Senders lists the senders that currently have a non-empty queue.
func (q *Queues) Senders() []string {
	out := make([]string, 0, len(q.bySender))
	for sender, ch := range q.bySender {
		if ch.Len() > 0 {
			out = append(out, sender)
		}
	}
	return out
}

// QueuedEntry is one still-queued PAYLOAD split, for checkpointing.
type QueuedEntry struct {
	Sender string
	Packet *mixtypes.Packet
}

// Snapshot drains every per-sender queue into a flat, FIFO-order slice
// and immediately refills each queue from the drained entries, so the
// running simulation is left exactly as it was found (spec.md §4.6:
// "capture... queues" without pausing delivery).
func (q *Queues) Snapshot() []QueuedEntry {
	var out []QueuedEntry
	for sender, ch := range q.bySender {
		var drained []*mixtypes.Packet
	drain:
		for {
			select {
			case v, ok := <-ch.Out():
				if !ok {
					break drain
				}
				drained = append(drained, v.(*mixtypes.Packet))
			default:
				break drain
			}
		}
		for _, pkt := range drained {
			ch.In() <- pkt
			out = append(out, QueuedEntry{Sender: sender, Packet: pkt})
		}
	}
	return out
}

// Restore refills every per-sender queue from a checkpoint's flat entry
// list, in the order the entries were saved.
func (q *Queues) Restore(entries []QueuedEntry) {
	for _, e := range entries {
		q.Put(e.Sender, e.Packet)
	}
}

// trackerEntry is one in-flight PAYLOAD message's remaining-splits count
// and first-send time (spec.md §3 LatencyTracker).
type trackerEntry struct {
	remaining     int
	firstSendTime float64
}

// LatencyTracker maps msg_id -> (remaining_splits, first_send_time).
type LatencyTracker struct {
	entries map[string]*trackerEntry
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{entries: make(map[string]*trackerEntry)}
}

// Start registers a new in-flight message if not already tracked.
func (t *LatencyTracker) Start(msgID string, numSplits int, now float64) {
	if _, ok := t.entries[msgID]; ok {
		return
	}
	t.entries[msgID] = &trackerEntry{remaining: numSplits, firstSendTime: now}
}

// Has reports whether msgID is currently tracked.
func (t *LatencyTracker) Has(msgID string) bool {
	_, ok := t.entries[msgID]
	return ok
}

// Complete decrements the remaining-splits counter for msgID. When it
// reaches zero, the entry is removed and the message's end-to-end latency
// is returned alongside true.
func (t *LatencyTracker) Complete(msgID string, now float64) (latency float64, done bool) {
	e, ok := t.entries[msgID]
	if !ok {
		return 0, false
	}
	e.remaining--
	if e.remaining > 0 {
		return 0, false
	}
	latency = now - e.firstSendTime
	delete(t.entries, msgID)
	return latency, true
}

// Len reports the number of in-flight messages still being tracked.
func (t *LatencyTracker) Len() int { return len(t.entries) }

// TrackerEntry is one in-flight message's tracker state, for
// checkpointing.
type TrackerEntry struct {
	MsgID         string
	Remaining     int
	FirstSendTime float64
}

// Snapshot returns every in-flight tracker entry.
func (t *LatencyTracker) Snapshot() []TrackerEntry {
	out := make([]TrackerEntry, 0, len(t.entries))
	for msgID, e := range t.entries {
		out = append(out, TrackerEntry{MsgID: msgID, Remaining: e.remaining, FirstSendTime: e.firstSendTime})
	}
	return out
}

// Restore repopulates the tracker from a checkpoint's entry list.
func (t *LatencyTracker) Restore(entries []TrackerEntry) {
	for _, e := range entries {
		t.entries[e.MsgID] = &trackerEntry{remaining: e.Remaining, firstSendTime: e.FirstSendTime}
	}
}
