package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
	"github.com/loopix-lab/mixsim/internal/sphinx"
)

func TestNewNodeHasKeypair(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	n, err := New("m000000", 1, 49153, codec)
	require.NoError(err)
	require.NotEqual([sphinx.KeySize]byte{}, n.PublicKey)
	require.Equal("m000000", n.ID)
	require.Equal(1, n.Layer)
}

func TestRestoreRoundTrip(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	orig, err := New("p000000", 0, 49152, codec)
	require.NoError(err)

	restored, err := Restore(orig.ID, orig.Layer, orig.Port, codec, orig.SecretKeyHex(), orig.PublicKey)
	require.NoError(err)
	require.Equal(orig.PublicKey, restored.PublicKey)
	require.Equal(orig.SecretKeyHex(), restored.SecretKeyHex())
}

func TestProcessPacketRelayAndReplay(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	a, err := New("nodeA", 1, 1, codec)
	require.NoError(err)
	b, err := New("nodeB", 2, 2, codec)
	require.NoError(err)

	hops := []sphinx.Hop{{NodeID: a.ID, Delay: 0}, {NodeID: b.ID, Delay: 0.2}}
	keys := [][sphinx.KeySize]byte{a.PublicKey, b.PublicKey}
	dest := sphinx.Destination{Bytes: []byte("u0"), MsgID: "m1", Split: "00000", OfType: mixtypes.Payload}
	packed, err := codec.Pack(hops, keys, dest, "m1", "00000", mixtypes.Payload, []byte("hi"))
	require.NoError(err)

	relay, destOut, err := a.ProcessPacket(packed)
	require.NoError(err)
	require.Nil(destOut)
	require.Equal(b.ID, relay.NextNode)

	// Replaying the same packet at the same node must be rejected.
	_, _, err = a.ProcessPacket(packed)
	require.ErrorIs(err, ErrReplay)

	relay2, destFinal, err := b.ProcessPacket(relay.Packed)
	require.NoError(err)
	require.Nil(relay2)
	require.Equal("m1", destFinal.MsgID)
}

func TestUpdateEntropyIncreasesWithMixing(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	n, err := New("m000000", 1, 1, codec)
	require.NoError(err)

	require.Equal(0.0, n.Entropy())
	n.AcceptRelay()
	n.AcceptRelay()
	h := n.UpdateEntropy()
	require.Greater(h, 0.0)
}

func TestDeltaDistPanicsBelowOne(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	n, err := New("m000000", 1, 1, codec)
	require.NoError(err)

	require.Panics(func() { n.DeltaDist() })
}

func TestAcceptMassAndDeltaDist(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	n, err := New("m000000", 1, 1, codec)
	require.NoError(err)

	n.AcceptMass(mixtypes.Dist{1, 0, 0})
	n.AcceptMass(mixtypes.Dist{0, 1, 0})
	require.Equal(2, n.N())

	d := n.DeltaDist()
	require.Equal(mixtypes.Dist{0.5, 0.5, 0}, d)
	require.Equal(1, n.N())
}

func TestLoopMixLatencyAssertion(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	n, err := New("m000000", 1, 1, codec)
	require.NoError(err)

	n.RecordLoopMixSend("probe-1", 0.0, 10.0)
	require.Equal(1, n.PendingLoopMix())

	err = n.CompleteLoopMix("probe-1", 1.0) // observed 1.0 < expected 10.0
	require.ErrorIs(err, ErrLatencyAssertion)
	require.Equal(0, n.PendingLoopMix())
}

func TestLoopMixLatencyOK(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	n, err := New("m000000", 1, 1, codec)
	require.NoError(err)

	n.RecordLoopMixSend("probe-1", 0.0, 1.0)
	err = n.CompleteLoopMix("probe-1", 5.0)
	require.NoError(err)
	require.Equal(5.0, n.LastLatency)
	require.InDelta(0.5, n.RunningLatency, 1e-9)
}

func TestCompleteLoopMixUnknownID(t *testing.T) {
	require := require.New(t)

	codec := sphinx.New()
	n, err := New("m000000", 1, 1, codec)
	require.NoError(err)

	err = n.CompleteLoopMix("nope", 1.0)
	require.Error(err)
}
