package sphinx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
)

func TestGenerateKeypairDistinct(t *testing.T) {
	require := require.New(t)

	codec := New()
	pub1, priv1, err := codec.GenerateKeypair()
	require.NoError(err)
	pub2, _, err := codec.GenerateKeypair()
	require.NoError(err)

	require.NotEqual(pub1, pub2)
	require.NotEqual(priv1, [KeySize]byte{})
}

func TestPackProcessRelayThenDest(t *testing.T) {
	require := require.New(t)

	codec := New()
	pubA, privA, err := codec.GenerateKeypair()
	require.NoError(err)
	pubB, privB, err := codec.GenerateKeypair()
	require.NoError(err)

	hops := []Hop{
		{NodeID: "nodeA", Delay: 0},
		{NodeID: "nodeB", Delay: 1.5},
	}
	keys := [][KeySize]byte{pubA, pubB}
	dest := Destination{Bytes: []byte("u000000"), MsgID: "msg-1", Split: "00000", OfType: mixtypes.Payload}

	packed, err := codec.Pack(hops, keys, dest, "msg-1", "00000", mixtypes.Payload, []byte("hello world"))
	require.NoError(err)

	tag1, relay, destOut, err := codec.Process("nodeA", privA, packed)
	require.NoError(err)
	require.Nil(destOut)
	require.NotNil(relay)
	require.Equal("nodeB", relay.NextNode)
	require.InDelta(1.5, relay.Delay, 1e-9)
	require.NotEqual([32]byte{}, tag1)

	tag2, relay2, destOut2, err := codec.Process("nodeB", privB, relay.Packed)
	require.NoError(err)
	require.Nil(relay2)
	require.NotNil(destOut2)
	require.Equal("msg-1", destOut2.Destination.MsgID)
	require.Equal("00000", destOut2.Destination.Split)
	require.Equal([]byte("u000000"), destOut2.Destination.Bytes)
	require.NotEqual(tag1, tag2)
}

func TestProcessRejectsTruncated(t *testing.T) {
	require := require.New(t)

	codec := New()
	_, priv, err := codec.GenerateKeypair()
	require.NoError(err)

	_, _, _, err = codec.Process("node", priv, []byte{1, 2, 3})
	require.ErrorIs(err, ErrDecode)
}

func TestProcessRejectsWrongKey(t *testing.T) {
	require := require.New(t)

	codec := New()
	pubA, _, err := codec.GenerateKeypair()
	require.NoError(err)
	_, privWrong, err := codec.GenerateKeypair()
	require.NoError(err)

	hops := []Hop{{NodeID: "nodeA", Delay: 0}}
	keys := [][KeySize]byte{pubA}
	dest := Destination{Bytes: []byte("dest"), MsgID: "m", Split: "00000", OfType: mixtypes.Drop}
	packed, err := codec.Pack(hops, keys, dest, "m", "00000", mixtypes.Drop, []byte("x"))
	require.NoError(err)

	_, _, _, err = codec.Process("nodeA", privWrong, packed)
	require.ErrorIs(err, ErrDecode)
}
