// Package packetfactory builds Sphinx-encapsulated messages: PAYLOAD,
// DROP, LOOP and LOOP_MIX packets, with path sampling and per-hop delay
// assignment (spec.md §4.1).
package packetfactory

import (
	"fmt"
	"math/rand"

	"github.com/oklog/ulid/v2"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
	"github.com/loopix-lab/mixsim/internal/pki"
	"github.com/loopix-lab/mixsim/internal/sphinx"
)

// Factory constructs Packets given a PKI view, a Sphinx codec, and a
// caller-supplied RNG (the engine owns the single RNG instance for
// determinism under a fixed seed, spec.md §5).
type Factory struct {
	PKI            *pki.PKI
	Codec          sphinx.Codec
	BodySize       int
	DelayLambda    float64
	UsersProvider  map[string]string // user id -> provider id
	Rng            *rand.Rand
}

// New creates a Factory. usersProvider maps each user id seen in the
// trace to its assigned provider id (spec.md §3 PKI view / users).
func New(p *pki.PKI, codec sphinx.Codec, bodySize int, delayLambda float64, usersProvider map[string]string, rng *rand.Rand) *Factory {
	return &Factory{
		PKI:           p,
		Codec:         codec,
		BodySize:      bodySize,
		DelayLambda:   delayLambda,
		UsersProvider: usersProvider,
		Rng:           rng,
	}
}

// NewMsgID allocates a fresh opaque message id. The timestamp component
// is pinned to zero so that id generation is fully deterministic under a
// fixed RNG seed (spec.md §5/§8 invariant 5) — mixsim only needs unique
// ids, not wall-clock-sortable ones.
func (f *Factory) NewMsgID() string {
	return ulid.MustNew(0, f.Rng).String()
}

// expDelay samples a one-hop delay whose mean is lambda, matching the
// original implementation's numpy.random.exponential(scale=lambda)
// convention (scale, not rate).
func expDelay(rng *rand.Rand, lambda float64) float64 {
	return rng.ExpFloat64() * lambda
}

// randSubset draws k distinct entries uniformly without replacement from
// a layer (spec.md §4.1 "uniform random without replacement per layer").
func (f *Factory) randSubset(entries []*pki.Entry, k int) []*pki.Entry {
	if k > len(entries) {
		k = len(entries)
	}
	idx := f.Rng.Perm(len(entries))
	out := make([]*pki.Entry, k)
	for i := 0; i < k; i++ {
		out[i] = entries[idx[i]]
	}
	return out
}

// path returns the ordered list of node ids a packet of ofType should
// traverse, and the destination bytes to bake into the final hop
// (spec.md §4.1's four path-sampling rules).
func (f *Factory) path(sender string, ofType mixtypes.OfType, receiver string) ([]string, []byte, error) {
	switch ofType {
	case mixtypes.LoopMix:
		layer := f.PKI.Layer(sender)
		if layer < 0 {
			return nil, nil, fmt.Errorf("packetfactory: unknown sender %s", sender)
		}
		path := []string{}
		for l := layer + 1; l <= f.PKI.Top; l++ {
			path = append(path, f.randSubset(f.PKI.ByLayer[l], 1)[0].ID)
		}
		for l := 0; l < layer; l++ {
			path = append(path, f.randSubset(f.PKI.ByLayer[l], 1)[0].ID)
		}
		path = append(path, sender)
		return path, []byte(sender), nil

	case mixtypes.Payload, mixtypes.Drop, mixtypes.Loop:
		senderProvider, ok := f.UsersProvider[sender]
		if !ok {
			return nil, nil, fmt.Errorf("packetfactory: unknown sender %s", sender)
		}
		mid := []string{}
		for l := 1; l <= f.PKI.Top; l++ {
			mid = append(mid, f.randSubset(f.PKI.ByLayer[l], 1)[0].ID)
		}

		var dest string
		var destBytes []byte
		switch ofType {
		case mixtypes.Payload:
			dest = f.UsersProvider[receiver]
			destBytes = []byte(receiver)
		case mixtypes.Drop:
			dest = f.randSubset(f.PKI.Providers(), 1)[0].ID
			destBytes = []byte(dest)
		case mixtypes.Loop:
			dest = senderProvider
			destBytes = []byte(sender)
		}
		if dest == "" {
			return nil, nil, fmt.Errorf("packetfactory: unresolved receiver provider for %s", receiver)
		}

		path := append([]string{senderProvider}, mid...)
		path = append(path, dest)
		return path, destBytes, nil

	default:
		return nil, nil, fmt.Errorf("packetfactory: unsupported of_type %v", ofType)
	}
}

// GenPacket builds one Sphinx-encapsulated packet for a single split
// (spec.md §4.1 gen_packet). size is the plaintext payload size for this
// split.
func (f *Factory) GenPacket(sender, msgID string, ofType mixtypes.OfType, size int, split string, numSplits int, receiver string) (*mixtypes.Packet, error) {
	path, destBytes, err := f.path(sender, ofType, receiver)
	if err != nil {
		return nil, err
	}

	keys := make([][sphinx.KeySize]byte, len(path))
	hops := make([]sphinx.Hop, len(path))
	expectedDelay := 0.0
	for i, nodeID := range path {
		entry, ok := f.PKI.ByID[nodeID]
		if !ok {
			return nil, fmt.Errorf("packetfactory: unknown path node %s", nodeID)
		}
		copy(keys[i][:], entry.PublicKey)
		delay := 0.0
		if i != 0 {
			delay = expDelay(f.Rng, f.DelayLambda)
		}
		hops[i] = sphinx.Hop{NodeID: nodeID, Delay: delay}
		expectedDelay += delay
	}

	plaintext := f.randomPlaintext(size)
	dest := sphinx.Destination{Bytes: destBytes, MsgID: msgID, Split: split, OfType: ofType}
	packed, err := f.Codec.Pack(hops, keys, dest, msgID, split, ofType, plaintext)
	if err != nil {
		return nil, err
	}

	return &mixtypes.Packet{
		Bytes:         packed,
		NextNode:      path[0],
		OfType:        ofType,
		Sender:        sender,
		MsgID:         msgID,
		Split:         split,
		NumSplits:     numSplits,
		ExpectedDelay: expectedDelay,
		Dist:          mixtypes.DefaultDist,
	}, nil
}

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 !\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

func (f *Factory) randomPlaintext(size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = alphabet[f.Rng.Intn(len(alphabet))]
	}
	return out
}
