// Package sphinx is the narrow interface to the external Sphinx
// collaborator (spec.md §1/§9: "treat as opaque byte strings... never
// inspect"). mixsim's core only ever calls Codec.Pack/Codec.Process; this
// file also supplies one concrete, working implementation (boxCodec)
// layering golang.org/x/crypto/nacl/box per hop, standing in for the
// out-of-scope production Sphinx implementation.
package sphinx

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
)

// ErrDecode is returned when a packet cannot be unwrapped at all — a
// corrupt, truncated, or foreign-key datagram (spec.md §7 SphinxDecodeError).
var ErrDecode = errors.New("sphinx: decode error")

// KeySize is the size, in bytes, of both public and private Sphinx keys.
const KeySize = 32

// Hop describes one node's routing instruction as baked into the packet
// at construction time (spec.md §4.1's Nenc wrapper).
type Hop struct {
	NodeID string
	Delay  float64
}

// Destination carries the final-hop payload metadata (spec.md §4.1's
// `(destination_bytes, msg_id, split, of_type_id)` tuple).
type Destination struct {
	Bytes []byte
	MsgID string
	Split string
	OfType mixtypes.OfType
}

// RelayResult is returned by Process when the packet has at least one
// more hop to traverse.
type RelayResult struct {
	NextNode string
	Delay    float64
	OfType   mixtypes.OfType
	Packed   []byte
}

// DestResult is returned by Process when this node is the packet's final
// hop (spec.md's receive_forward outcome).
type DestResult struct {
	Destination Destination
}

// Codec is the external Sphinx collaborator's interface. Keys are opaque
// fixed-size byte arrays; Process never exposes header/delta/tag
// internals to callers — only a replay Tag, for the caller's own tag
// cache (spec.md keeps tag-cache ownership on Node, not the codec).
type Codec interface {
	// GenerateKeypair returns a fresh (public, private) Sphinx keypair.
	GenerateKeypair() (pub, priv [KeySize]byte, err error)

	// Pack builds a layered Sphinx packet. hops[i] names the node that
	// will perform hop i and carries the delay spent before reaching it;
	// keys[i] is that node's public key. The Relay outcome at hop i
	// reports hops[i+1]'s node id and delay. dest is attached at the
	// final hop only and is what a Dest outcome reveals.
	Pack(hops []Hop, keys [][KeySize]byte, dest Destination, msgID, split string, ofType mixtypes.OfType, plaintext []byte) ([]byte, error)

	// Process unwraps one layer addressed to nodeID using secretKey,
	// returning the packet's replay tag plus either a RelayResult or a
	// DestResult.
	Process(nodeID string, secretKey [KeySize]byte, packed []byte) (tag [32]byte, relay *RelayResult, dest *DestResult, err error)
}

// New returns the default Codec implementation.
func New() Codec { return &boxCodec{} }

type boxCodec struct{}

func (boxCodec) GenerateKeypair() (pub, priv [KeySize]byte, err error) {
	p, s, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return pub, priv, err
	}
	return *p, *s, nil
}

// layer is the per-hop plaintext structure, cbor-encoded then sealed with
// nacl/box. It is never inspected by anything other than the node that
// owns the matching private key.
type layer struct {
	IsDest bool
	Next   string
	Delay  float64
	Dest   []byte
	MsgID  string
	Split  string
	OfType byte
	Inner  []byte
}

func nonceFor(ephemeralPub [KeySize]byte, nodeID string) [24]byte {
	h := blake2b.Sum256(append(ephemeralPub[:], []byte(nodeID)...))
	var nonce [24]byte
	copy(nonce[:], h[:24])
	return nonce
}

func (boxCodec) Pack(hops []Hop, keys [][KeySize]byte, dest Destination, msgID, split string, ofType mixtypes.OfType, plaintext []byte) ([]byte, error) {
	if len(hops) == 0 || len(hops) != len(keys) {
		return nil, fmt.Errorf("%w: path/key length mismatch", ErrDecode)
	}
	epub, epriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	n := len(hops)
	var inner []byte
	for i := n - 1; i >= 0; i-- {
		l := layer{
			Delay:  hops[i].Delay,
			MsgID:  msgID,
			Split:  split,
			OfType: byte(ofType),
		}
		if i == n-1 {
			l.IsDest = true
			l.Dest = dest.Bytes
			l.Inner = plaintext
		} else {
			l.Next = hops[i+1].NodeID
			l.Delay = hops[i+1].Delay
			l.Inner = inner
		}
		plainLayer, err := cbor.Marshal(l)
		if err != nil {
			return nil, err
		}
		var pub [KeySize]byte = keys[i]
		nonce := nonceFor(*epub, hops[i].NodeID)
		sealed := box.Seal(nil, plainLayer, &nonce, &pub, epriv)
		inner = sealed
	}

	out := make([]byte, 0, KeySize+len(inner))
	out = append(out, epub[:]...)
	out = append(out, inner...)
	return out, nil
}

func (boxCodec) Process(nodeID string, secretKey [KeySize]byte, packed []byte) (tag [32]byte, relay *RelayResult, dest *DestResult, err error) {
	if len(packed) < KeySize {
		return tag, nil, nil, fmt.Errorf("%w: truncated packet", ErrDecode)
	}
	var epub [KeySize]byte
	copy(epub[:], packed[:KeySize])
	ciphertext := packed[KeySize:]
	tag = blake2b.Sum256(ciphertext)

	nonce := nonceFor(epub, nodeID)
	plainLayer, ok := box.Open(nil, ciphertext, &nonce, &epub, &secretKey)
	if !ok {
		return tag, nil, nil, fmt.Errorf("%w: box open failed", ErrDecode)
	}
	var l layer
	if err := cbor.Unmarshal(plainLayer, &l); err != nil {
		return tag, nil, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if l.IsDest {
		return tag, nil, &DestResult{Destination: Destination{
			Bytes:  l.Dest,
			MsgID:  l.MsgID,
			Split:  l.Split,
			OfType: mixtypes.OfType(l.OfType),
		}}, nil
	}
	repacked := make([]byte, 0, KeySize+len(l.Inner))
	repacked = append(repacked, epub[:]...)
	repacked = append(repacked, l.Inner...)
	return tag, &RelayResult{
		NextNode: l.Next,
		Delay:    l.Delay,
		OfType:   mixtypes.OfType(l.OfType),
		Packed:   repacked,
	}, nil, nil
}
