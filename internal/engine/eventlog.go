package engine

import "github.com/loopix-lab/mixsim/internal/mixtypes"

// EventLog mirrors the pending postprocess, send_packet, decoy_worker
// and put_on_payload_queue events, keyed by the same opaque event id the
// Clock hands back from Schedule, plus challenge_worker[0/1]=due_time.
// The Clock's heap holds closures, which cannot be checkpointed;
// EventLog holds the typed arguments needed to rebuild those closures
// on restore. payload_to_sphinx has no entry of its own: a payload is
// sphinx-wrapped synchronously inside the payload_wrapper callback.
// Two kinds of Clock event are not mirrored here: a mail's pending
// payload_wrapper, and the relay-hop send_packet(DELAY) continuation
// that process_packet schedules.
type EventLog struct {
	Postprocess       map[uint64]PostprocessEntry
	SendPacket        map[uint64]SendPacketEntry
	DecoyWrapper      map[Family]map[uint64]DecoyEntry
	PutOnPayloadQueue map[uint64]PutOnQueueEntry
	ChallengeWorker   [2]float64
}

// NewEventLog creates an empty EventLog with every map allocated.
func NewEventLog() *EventLog {
	l := &EventLog{
		Postprocess:       make(map[uint64]PostprocessEntry),
		SendPacket:        make(map[uint64]SendPacketEntry),
		DecoyWrapper:      make(map[Family]map[uint64]DecoyEntry),
		PutOnPayloadQueue: make(map[uint64]PutOnQueueEntry),
	}
	for _, f := range DecoyFamilies {
		l.DecoyWrapper[f] = make(map[uint64]DecoyEntry)
	}
	return l
}

// PostprocessEntry mirrors a scheduled postprocess call.
type PostprocessEntry struct {
	DueTime float64
	MsgID   string
	OfType  mixtypes.OfType
	NodeID  string
	Runtime float64
}

// SendPacketEntry mirrors send_packet's own scheduled continuation: the
// wall-clock cost of transmission, after which process_packet runs
// against Data at NodeID. Family is the originating worker family —
// needed on restore since process_packet's behaviour (and, for a
// LOOP_MIX probe, the completing node's bookkeeping) branches on it.
type SendPacketEntry struct {
	DueTime float64
	OfType  mixtypes.OfType
	Data    *mixtypes.Packet
	NodeID  string
	Family  Family
}

// DecoyEntry mirrors one pending decoy_worker/challenge_worker firing.
type DecoyEntry struct {
	DueTime float64
}

// PutOnQueueEntry mirrors a scheduled put_on_payload_queue call.
type PutOnQueueEntry struct {
	DueTime float64
	Sender  string
	Packet  *mixtypes.Packet
}
