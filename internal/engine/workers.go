package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/loopix-lab/mixsim/internal/config"
	"github.com/loopix-lab/mixsim/internal/mixtypes"
	"github.com/loopix-lab/mixsim/internal/node"
)

// schedulePayloadWrapper delays mail.time + lag then starts
// payload_to_sphinx (spec.md §4.3).
func (e *Engine) schedulePayloadWrapper(mail mixtypes.Mail) {
	delay := mail.Time + e.cfg.Lag
	e.Clock.Schedule(delay, func() {
		e.payloadToSphinx(mail, "", 0)
	})
}

// payloadToSphinx allocates a msg_id if absent, builds every remaining
// split as a Packet, and hands each to put_on_payload_queue after the
// measured wall-clock cost of building it (spec.md §4.3).
func (e *Engine) payloadToSphinx(mail mixtypes.Mail, msgID string, startSplit int) {
	if msgID == "" {
		msgID = e.factory.NewMsgID()
	}
	bodySize := e.cfg.BodySize
	numSplits := int(math.Ceil(float64(mail.Size) / float64(bodySize)))

	for i := startSplit; i < numSplits; i++ {
		splitSize := bodySize
		if i == numSplits-1 {
			splitSize = mail.Size - bodySize*(numSplits-1)
		}
		split := fmt.Sprintf("%05d", i)

		start := time.Now()
		pkt, err := e.factory.GenPacket(mail.Sender, msgID, mixtypes.Payload, splitSize, split, numSplits, mail.Receiver)
		wallElapsed := time.Since(start).Seconds()
		if err != nil {
			e.logf("payload_to_sphinx: gen_packet failed for %s/%s: %v", msgID, split, err)
			continue
		}
		e.scheduledPutOnPayloadQueue(mail.Sender, pkt, wallElapsed)
	}
}

// scheduledPutOnPayloadQueue mirrors put_on_payload_queue's own
// timeout(runtime) before the packet becomes visible to SenderSampler
// (spec.md §4.3).
func (e *Engine) scheduledPutOnPayloadQueue(sender string, pkt *mixtypes.Packet, runtime float64) {
	var id uint64
	id = e.Clock.Schedule(runtime, func() {
		delete(e.Log.PutOnPayloadQueue, id)
		e.queues.Put(sender, pkt)
	})
	e.Log.PutOnPayloadQueue[id] = PutOnQueueEntry{DueTime: e.Clock.Now() + runtime, Sender: sender, Packet: pkt}
}

// scheduleDecoyWorker samples the next inter-arrival delay for family,
// waits, fires send_packet, then loops (spec.md §4.3 decoy_worker).
func (e *Engine) scheduleDecoyWorker(family Family) {
	if e.terminated {
		return
	}
	lambda := e.cfg.Lambdas[string(family)]
	delay := e.rng.ExpFloat64() * lambda

	var id uint64
	id = e.Clock.Schedule(delay, func() {
		delete(e.Log.DecoyWrapper[family], id)
		if e.terminated {
			return
		}
		e.sendPacket(family, nil, "")
		e.scheduleDecoyWorker(family)
	})
	e.Log.DecoyWrapper[family][id] = DecoyEntry{DueTime: e.Clock.Now() + delay}
}

// scheduleChallengeWorker waits one time_unit, fires send_packet for
// challenger k, then loops (spec.md §4.3 challenge_worker).
func (e *Engine) scheduleChallengeWorker(k int) {
	if e.terminated {
		return
	}
	family := FamilyChallenge0
	if k == 1 {
		family = FamilyChallenge1
	}
	delay := e.cfg.TimeUnit

	e.Clock.Schedule(delay, func() {
		if e.terminated {
			return
		}
		e.sendPacket(family, nil, "")
		e.scheduleChallengeWorker(k)
	})
	e.Log.ChallengeWorker[k] = e.Clock.Now() + delay
}

// familyToSynthType is the wire of_type a freshly-synthesised packet
// takes for a given family (spec.md §4.3: "PAYLOAD/CHALLENGE_*
// synthesise as DROP type").
func familyToSynthType(family Family) mixtypes.OfType {
	switch family {
	case FamilyLoop:
		return mixtypes.Loop
	case FamilyLoopMix:
		return mixtypes.LoopMix
	default:
		return mixtypes.Drop
	}
}

// sendPacket resolves a sender, dequeues or synthesises a Packet, emits
// it over UDP, and schedules process_packet after the measured wall cost
// (spec.md §4.3).
func (e *Engine) sendPacket(family Family, data *mixtypes.Packet, nodeID string) {
	now := e.Clock.Now()

	var sender string
	switch family {
	case FamilyDelay:
		sender = data.Sender
	case FamilyLoopMix:
		sender = e.randomNodeID()
	case FamilyChallenge0:
		sender = e.challengers[0]
	case FamilyChallenge1:
		sender = e.challengers[1]
	default:
		sender = e.sampler.Next(now)
		if e.cfg.ClientModel == config.TimeProximity {
			if e.lastCohortSize > 0 {
				if factor := e.sampler.LambdaRescale(e.lastCohortSize); factor > 0 {
					for _, f := range []Family{FamilyDrop, FamilyLoop, FamilyPayload} {
						e.cfg.Lambdas[string(f)] *= factor
					}
				}
			}
			e.lastCohortSize = e.sampler.CohortSize()
		}
	}

	if family == FamilyPayload {
		if pkt, ok := e.queues.TryGet(sender); ok {
			data = pkt
		}
	}

	if data == nil {
		actualType := familyToSynthType(family)
		pkt, err := e.factory.GenPacket(sender, e.factory.NewMsgID(), actualType, e.cfg.BodySize, "00000", 1, "")
		if err != nil {
			e.logf("send_packet: gen_packet failed for %s (%s): %v", sender, family, err)
			return
		}
		switch family {
		case FamilyChallenge0:
			pkt.Dist = mixtypes.Challenger0Dist
		case FamilyChallenge1:
			pkt.Dist = mixtypes.Challenger1Dist
		}
		data = pkt
	}

	if family == FamilyLoopMix {
		if n, ok := e.nodes[sender]; ok {
			n.RecordLoopMixSend(data.MsgID, now, data.ExpectedDelay)
		}
	}

	if family == FamilyDelay && data.OfType != mixtypes.LoopMix {
		if n, ok := e.nodes[nodeID]; ok {
			data.Dist = n.DeltaDist()
			e.maybeUpdateEpsilon(n, data.Dist, now)
		}
	}

	start := time.Now()
	if err := e.transport.Send(data.NextNode, data.Bytes); err != nil {
		e.logf("transport send to %s failed: %v", data.NextNode, err)
	}
	e.trace.LogTraffic(TraceLine{
		Time: now, Sender: sender, NextNode: data.NextNode,
		MsgID: data.MsgID, Split: data.Split, OfType: data.OfType,
	})
	e.metrics.IncPackets(family)
	wallElapsed := time.Since(start).Seconds()

	var id uint64
	id = e.Clock.Schedule(wallElapsed, func() {
		delete(e.Log.SendPacket, id)
		e.processPacket(family, data, data.NextNode)
	})
	e.Log.SendPacket[id] = SendPacketEntry{DueTime: now + wallElapsed, OfType: data.OfType, Data: data, NodeID: data.NextNode, Family: family}
}

// processPacket unwraps one more hop at nodeID and schedules either the
// next send_packet(DELAY, ...) on a Relay outcome or postprocess on a
// Dest outcome (spec.md §4.3).
func (e *Engine) processPacket(family Family, data *mixtypes.Packet, nodeID string) {
	now := e.Clock.Now()

	if family == FamilyPayload && data.OfType == mixtypes.Payload {
		if !e.tracker.Has(data.MsgID) {
			e.tracker.Start(data.MsgID, data.NumSplits, now)
		}
	}

	if family == FamilyDelay || (family == FamilyLoopMix && e.cfg.LoopMixEntropy) {
		if n, ok := e.nodes[nodeID]; ok {
			if family == FamilyLoopMix {
				n.IncrementLoopMixL()
			}
			n.UpdateEntropy()
			e.metrics.ObserveEntropy(e.meanEntropy())
		}
	}

	next, ok := e.nodes[data.NextNode]
	if !ok {
		e.logf("process_packet: unknown node %s", data.NextNode)
		return
	}

	start := time.Now()
	relay, dest, err := next.ProcessPacket(data.Bytes)
	wallElapsed := time.Since(start).Seconds()

	if err != nil {
		if errors.Is(err, node.ErrReplay) {
			e.metrics.IncReplays(data.NextNode)
			e.logf("REPLAY ATTACK at %s", data.NextNode)
		} else {
			e.logf("sphinx decode error at %s: %v", data.NextNode, err)
		}
		return
	}
	next.AcceptRelay()

	if relay != nil {
		if relay.OfType != mixtypes.LoopMix {
			next.AcceptMass(data.Dist)
		}
		relayed := &mixtypes.Packet{
			Bytes:         relay.Packed,
			NextNode:      relay.NextNode,
			OfType:        relay.OfType,
			Sender:        data.Sender,
			MsgID:         data.MsgID,
			Split:         data.Split,
			NumSplits:     data.NumSplits,
			ExpectedDelay: data.ExpectedDelay,
			Dist:          data.Dist,
		}
		e.Clock.Schedule(wallElapsed+relay.Delay, func() {
			e.sendPacket(FamilyDelay, relayed, data.NextNode)
		})
		return
	}

	if dest != nil {
		msgID, ofType, atNode, runtime := dest.MsgID, dest.OfType, data.NextNode, wallElapsed
		var id uint64
		id = e.Clock.Schedule(runtime, func() {
			delete(e.Log.Postprocess, id)
			e.postprocess(msgID, ofType, atNode, runtime)
		})
		e.Log.Postprocess[id] = PostprocessEntry{DueTime: now + runtime, MsgID: msgID, OfType: ofType, NodeID: atNode, Runtime: runtime}
	}
}

// postprocess finalises a delivered PAYLOAD split (updating the latency
// tracker and running mean) or a completed LOOP_MIX probe (updating that
// node's latency EWMA, fatally if the assertion is violated) (spec.md
// §4.3).
func (e *Engine) postprocess(msgID string, ofType mixtypes.OfType, nodeID string, runtime float64) {
	now := e.Clock.Now()
	switch ofType {
	case mixtypes.Payload:
		latency, done := e.tracker.Complete(msgID, now)
		if done {
			e.metrics.ObserveLatency(latency)
			e.completed++
		}
	case mixtypes.LoopMix:
		n, ok := e.nodes[nodeID]
		if !ok {
			return
		}
		if err := n.CompleteLoopMix(msgID, now); err != nil {
			if errors.Is(err, node.ErrLatencyAssertion) {
				e.fatalErr = err
				e.fatalf("%v", err)
				e.terminate()
				return
			}
			e.logf("loop_mix postprocess: %v", err)
			return
		}
		e.metrics.ObserveLoopMixLatency(nodeID, n.LastLatency)
	}
}

// randomNodeID draws uniformly over every node in the PKI (spec.md §4.3
// send_packet: "LOOP_MIX → uniform over all nodes").
func (e *Engine) randomNodeID() string {
	if len(e.nodeIDs) == 0 {
		return ""
	}
	return e.nodeIDs[e.rng.Intn(len(e.nodeIDs))]
}
