// Package mixtypes holds the small shared value types used across the
// simulator's packages (spec.md §3 Packet) so that internal/sphinx,
// internal/node, internal/packetfactory and internal/engine can all refer
// to them without import cycles.
package mixtypes

import "fmt"

// OfType is the wire-level packet type, standardised on PAYLOAD per
// spec.md §9 (the two historical "PAYLOAD vs LEGIT" namespaces collapse
// into this one): 0=PAYLOAD, 1=LOOP, 2=DROP, 3=LOOP_MIX.
type OfType byte

const (
	Payload OfType = 0
	Loop    OfType = 1
	Drop    OfType = 2
	LoopMix OfType = 3
)

func (t OfType) String() string {
	switch t {
	case Payload:
		return "PAYLOAD"
	case Loop:
		return "LOOP"
	case Drop:
		return "DROP"
	case LoopMix:
		return "LOOP_MIX"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Dist is the 3-component probability-mass vector carried by in-flight
// packets for the ε-indistinguishability estimator (spec.md §3/§4.3): a
// plain PAYLOAD/DROP/LOOP packet starts at (0,0,1); CHALLENGE_0/1 packets
// are reframed to the unit basis vectors e0/e1.
type Dist [3]float64

// DefaultDist is the mass vector assigned to ordinary traffic.
var DefaultDist = Dist{0, 0, 1}

// Challenger0Dist and Challenger1Dist are the unit bases assigned to the
// two challenge senders.
var (
	Challenger0Dist = Dist{1, 0, 0}
	Challenger1Dist = Dist{0, 1, 0}
)

func (d Dist) Add(o Dist) Dist {
	return Dist{d[0] + o[0], d[1] + o[1], d[2] + o[2]}
}

func (d Dist) Scale(s float64) Dist {
	return Dist{d[0] * s, d[1] * s, d[2] * s}
}

// Mail is one entry from the loaded trace file (spec.md §3/§6's JSON
// schema: `{time, size, sender, receiver}`).
type Mail struct {
	Time     float64
	Size     int
	Sender   string
	Receiver string
}

// Packet is the simulator's in-flight message representation.
type Packet struct {
	Bytes         []byte
	NextNode      string
	OfType        OfType
	Sender        string
	MsgID         string
	Split         string
	NumSplits     int
	ExpectedDelay float64
	Dist          Dist
}
