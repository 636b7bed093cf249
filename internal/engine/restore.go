package engine

import "github.com/loopix-lab/mixsim/internal/mixtypes"

// RestoreEvent is one EventLog entry read back from a checkpoint, tagged
// by Kind so RestoreEvents can dispatch it to the worker that would have
// produced it (spec.md §4.6: "re-schedule every EventLog entry at
// due_time - end_time").
type RestoreEvent struct {
	Kind    string // "postprocess", "send_packet", "decoy_worker", "put_on_payload_queue", "challenge_worker"
	DueTime float64
	MsgID   string
	OfType  mixtypes.OfType
	NodeID  string
	Sender  string
	Family  Family
	Runtime float64
	Data    *mixtypes.Packet
	K       int // challenge_worker index
}

// RestoreEvents re-arms every pending event from a checkpoint against
// the engine's (already rebuilt) Clock, rebuilding the same scheduling
// closures the original run used for each of these kinds.
func (e *Engine) RestoreEvents(events []RestoreEvent) {
	for _, ev := range events {
		ev := ev
		switch ev.Kind {
		case "postprocess":
			var id uint64
			id = e.Clock.ScheduleAt(ev.DueTime, func() {
				delete(e.Log.Postprocess, id)
				e.postprocess(ev.MsgID, ev.OfType, ev.NodeID, ev.Runtime)
			})
			e.Log.Postprocess[id] = PostprocessEntry{DueTime: ev.DueTime, MsgID: ev.MsgID, OfType: ev.OfType, NodeID: ev.NodeID, Runtime: ev.Runtime}
		case "send_packet":
			var id uint64
			id = e.Clock.ScheduleAt(ev.DueTime, func() {
				delete(e.Log.SendPacket, id)
				e.processPacket(ev.Family, ev.Data, ev.NodeID)
			})
			e.Log.SendPacket[id] = SendPacketEntry{DueTime: ev.DueTime, OfType: ev.OfType, Data: ev.Data, NodeID: ev.NodeID, Family: ev.Family}
		case "decoy_worker":
			family := ev.Family
			var id uint64
			id = e.Clock.ScheduleAt(ev.DueTime, func() {
				delete(e.Log.DecoyWrapper[family], id)
				if e.terminated {
					return
				}
				e.sendPacket(family, nil, "")
				e.scheduleDecoyWorker(family)
			})
			e.Log.DecoyWrapper[family][id] = DecoyEntry{DueTime: ev.DueTime}
		case "put_on_payload_queue":
			sender, pkt := ev.Sender, ev.Data
			var id uint64
			id = e.Clock.ScheduleAt(ev.DueTime, func() {
				delete(e.Log.PutOnPayloadQueue, id)
				e.queues.Put(sender, pkt)
			})
			e.Log.PutOnPayloadQueue[id] = PutOnQueueEntry{DueTime: ev.DueTime, Sender: sender, Packet: pkt}
		case "challenge_worker":
			k := ev.K
			e.Clock.ScheduleAt(ev.DueTime, func() {
				if e.terminated {
					return
				}
				family := FamilyChallenge0
				if k == 1 {
					family = FamilyChallenge1
				}
				e.sendPacket(family, nil, "")
				e.scheduleChallengeWorker(k)
			})
			e.Log.ChallengeWorker[k] = ev.DueTime
		}
	}
}
