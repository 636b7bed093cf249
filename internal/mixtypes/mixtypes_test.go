package mixtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfTypeString(t *testing.T) {
	require := require.New(t)

	require.Equal("PAYLOAD", Payload.String())
	require.Equal("LOOP", Loop.String())
	require.Equal("DROP", Drop.String())
	require.Equal("LOOP_MIX", LoopMix.String())
	require.Equal("UNKNOWN(7)", OfType(7).String())
}

func TestDistAddScale(t *testing.T) {
	require := require.New(t)

	a := Dist{1, 2, 3}
	b := Dist{0.5, 0.5, 0.5}
	require.Equal(Dist{1.5, 2.5, 3.5}, a.Add(b))
	require.Equal(Dist{2, 4, 6}, a.Scale(2))
}

func TestDefaultDists(t *testing.T) {
	require := require.New(t)

	require.Equal(Dist{0, 0, 1}, DefaultDist)
	require.Equal(Dist{1, 0, 0}, Challenger0Dist)
	require.Equal(Dist{0, 1, 0}, Challenger1Dist)
}
