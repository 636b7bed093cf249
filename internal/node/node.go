// Package node implements one mixnet node's pure packet-processing logic
// and per-node anonymity accounting (spec.md §4.2).
package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
	"github.com/loopix-lab/mixsim/internal/sphinx"
)

// ErrReplay is returned when a packet's tag has already been seen at this
// node (spec.md §7 ReplayDetected).
var ErrReplay = errors.New("node: REPLAY ATTACK")

// ErrLatencyAssertion is returned when a LOOP_MIX probe returns faster
// than its own expected delay — a fatal clock/scheduling corruption
// signal (spec.md §7 LatencyAssertionViolation).
var ErrLatencyAssertion = errors.New("node: latency assertion violation")

// sendingEntry records an in-flight LOOP_MIX probe (spec.md §3 Node's
// `sending_time`).
type sendingEntry struct {
	start         float64
	expectedDelay float64
}

// Node is one provider or mix relay's mutable state. The engine is the
// sole mutator; the PKI holding Node's public identity is read-only.
type Node struct {
	ID        string
	Layer     int
	Port      int
	PublicKey [sphinx.KeySize]byte
	secretKey [sphinx.KeySize]byte
	codec     sphinx.Codec

	tagCache map[[32]byte]struct{}

	// Entropy accounting (spec.md §4.2).
	hT float64
	kT int
	lT int

	// Probability-mass accounting for the ε estimator.
	n       int
	probSum mixtypes.Dist

	sending map[string]sendingEntry

	// LOOP_MIX running latency (EWMA, spec.md §4.2).
	LastLatency    float64
	RunningLatency float64
}

// New creates a Node with a freshly generated Sphinx keypair.
func New(id string, layer, port int, codec sphinx.Codec) (*Node, error) {
	pub, priv, err := codec.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:        id,
		Layer:     layer,
		Port:      port,
		PublicKey: pub,
		secretKey: priv,
		codec:     codec,
		tagCache:  make(map[[32]byte]struct{}),
		sending:   make(map[string]sendingEntry),
	}, nil
}

// SecretKeyHex renders the node's secret key as hex, for checkpointing
// (spec.md §4.6: "Secret keys serialised to hex").
func (n *Node) SecretKeyHex() string { return hex.EncodeToString(n.secretKey[:]) }

// Restore rebuilds a Node's private state from a checkpoint (secret key
// in hex, counters as captured at save time).
func Restore(id string, layer, port int, codec sphinx.Codec, secretKeyHex string, pub [sphinx.KeySize]byte) (*Node, error) {
	raw, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("node: bad secret key hex: %w", err)
	}
	if len(raw) != sphinx.KeySize {
		return nil, fmt.Errorf("node: secret key wrong length: %d", len(raw))
	}
	n := &Node{
		ID:        id,
		Layer:     layer,
		Port:      port,
		PublicKey: pub,
		codec:     codec,
		tagCache:  make(map[[32]byte]struct{}),
		sending:   make(map[string]sendingEntry),
	}
	copy(n.secretKey[:], raw)
	return n, nil
}

// RelayOutcome is returned by ProcessPacket when there is another hop.
type RelayOutcome struct {
	NextNode string
	Delay    float64
	OfType   mixtypes.OfType
	Packed   []byte
}

// DestOutcome is returned by ProcessPacket when this node is the final
// hop.
type DestOutcome struct {
	MsgID  string
	Split  string
	OfType mixtypes.OfType
}

// ProcessPacket unwraps one Sphinx layer. It is pure with respect to
// everything except the tag cache, which is this Node's own
// monotone-growing replay-detection set (spec.md §4.2/§8 invariant 1).
func (n *Node) ProcessPacket(packed []byte) (*RelayOutcome, *DestOutcome, error) {
	tag, relay, dest, err := n.codec.Process(n.ID, n.secretKey, packed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", sphinx.ErrDecode, err)
	}
	if _, seen := n.tagCache[tag]; seen {
		return nil, nil, ErrReplay
	}
	n.tagCache[tag] = struct{}{}

	if relay != nil {
		return &RelayOutcome{
			NextNode: relay.NextNode,
			Delay:    relay.Delay,
			OfType:   relay.OfType,
			Packed:   relay.Packed,
		}, nil, nil
	}
	return nil, &DestOutcome{MsgID: dest.Destination.MsgID, Split: dest.Destination.Split, OfType: dest.Destination.OfType}, nil
}

// AcceptRelay increments k_t: an accepted incoming relay hop (spec.md
// §4.2 accounting rule 1).
func (n *Node) AcceptRelay() { n.kT++ }

// UpdateEntropy applies the node's entropy recurrence after a DELAY event
// fires (spec.md §4.2's update_entropy formula) and returns the new h_t.
func (n *Node) UpdateEntropy() float64 {
	d := float64(n.kT + n.lT)
	hT := float64(n.lT) * n.hT / d
	if n.kT != 0 {
		k := float64(n.kT)
		hT += k * log2(k) / d
		hT -= k / d * log2(k/d)
	}
	if n.lT != 0 {
		l := float64(n.lT)
		hT -= l / d * log2(l/d)
	}
	n.hT = hT
	n.lT = n.lT + n.kT - 1
	n.kT = 0
	return n.hT
}

func log2(x float64) float64 { return math.Log2(x) }

// Entropy returns the current h_t without mutating it.
func (n *Node) Entropy() float64 { return n.hT }

// IncrementLoopMixL increments l_t directly, used only when
// loop_mix_entropy is enabled and a LOOP_MIX packet is in flight through
// this node (spec.md §4.2: "if the latter, increment N.l_t first").
func (n *Node) IncrementLoopMixL() { n.lT++ }

// AcceptMass folds a packet's dist into this node's probability-mass
// accumulator, bumping n, ahead of a DeltaDist call (spec.md §4.3
// process_packet's Relay-outcome bookkeeping).
func (n *Node) AcceptMass(dist mixtypes.Dist) {
	n.probSum = n.probSum.Add(dist)
	n.n++
}

// DeltaDist normalises prob_sum/n into the packet's dist, decrements n,
// and rewrites prob_sum = dist*n (spec.md §4.2 accounting rule 2, §9's
// n>=1 guard). Calling this with n==0 is a caller bug: the accounting
// discipline (n incremented on every relay acceptance before any DELAY
// can fire) is supposed to uphold n>=1 here.
func (n *Node) DeltaDist() mixtypes.Dist {
	if n.n < 1 {
		panic("node: DeltaDist called with n < 1 — accounting invariant violated")
	}
	d := n.probSum.Scale(1.0 / float64(n.n))
	n.n--
	n.probSum = d.Scale(float64(n.n))
	return d
}

// N exposes the current mass-accounting denominator (read-only, for
// tests/checkpointing).
func (n *Node) N() int { return n.n }

// ProbSum exposes the current mass accumulator (read-only).
func (n *Node) ProbSum() mixtypes.Dist { return n.probSum }

// RecordLoopMixSend records the ledger entry for an originated LOOP_MIX
// probe (spec.md §4.2 LOOP_MIX probes).
func (n *Node) RecordLoopMixSend(msgID string, now, expectedDelay float64) {
	n.sending[msgID] = sendingEntry{start: now, expectedDelay: expectedDelay}
}

// CompleteLoopMix is called when a previously-sent LOOP_MIX probe
// returns. It updates LastLatency/RunningLatency and removes the ledger
// entry, returning an error if the observed latency violates the
// expected-delay lower bound (spec.md §4.2/§8 invariant 3).
func (n *Node) CompleteLoopMix(msgID string, now float64) error {
	entry, ok := n.sending[msgID]
	if !ok {
		return fmt.Errorf("node: unknown LOOP_MIX msg_id %s", msgID)
	}
	delete(n.sending, msgID)
	latency := now - entry.start
	if latency < entry.expectedDelay {
		return fmt.Errorf("%w: observed %v < expected %v", ErrLatencyAssertion, latency, entry.expectedDelay)
	}
	n.LastLatency = latency
	n.RunningLatency = 0.1*latency + 0.9*n.RunningLatency
	return nil
}

// PendingLoopMix returns the number of outstanding LOOP_MIX probes, for
// checkpointing.
func (n *Node) PendingLoopMix() int { return len(n.sending) }

// KT exposes the current k_t accumulator (read-only, for checkpointing).
func (n *Node) KT() int { return n.kT }

// LT exposes the current l_t accumulator (read-only, for checkpointing).
func (n *Node) LT() int { return n.lT }

// RestoreCounters seeds every accounting field a checkpoint captured
// (spec.md §4.6), bypassing the accounting-rule methods above since the
// saved values already reflect those rules having been applied.
func (n *Node) RestoreCounters(hT float64, kT, lT, numMass int, probSum mixtypes.Dist, lastLatency, runningLatency float64) {
	n.hT = hT
	n.kT = kT
	n.lT = lT
	n.n = numMass
	n.probSum = probSum
	n.LastLatency = lastLatency
	n.RunningLatency = runningLatency
}

// SendingState is one in-flight LOOP_MIX probe this node originated.
type SendingState struct {
	MsgID         string
	Start         float64
	ExpectedDelay float64
}

// SendingStates returns every outstanding LOOP_MIX probe, for
// checkpointing.
func (n *Node) SendingStates() []SendingState {
	out := make([]SendingState, 0, len(n.sending))
	for msgID, e := range n.sending {
		out = append(out, SendingState{MsgID: msgID, Start: e.start, ExpectedDelay: e.expectedDelay})
	}
	return out
}

// RestoreSending repopulates the in-flight LOOP_MIX probe ledger from a
// checkpoint.
func (n *Node) RestoreSending(states []SendingState) {
	for _, s := range states {
		n.sending[s.MsgID] = sendingEntry{start: s.Start, expectedDelay: s.ExpectedDelay}
	}
}
