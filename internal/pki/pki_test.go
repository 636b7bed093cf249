package pki

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDFormatting(t *testing.T) {
	require := require.New(t)

	require.Equal("p000003", ProviderID(3))
	require.Equal("m000012", MixID(12))
	require.Equal("u000000", UserID(0))
}

func TestBuildSizeAndKeyForCallback(t *testing.T) {
	require := require.New(t)

	calls := make(map[string][2]int) // id -> (layer, port)
	p := Build(2, 2, 3, 49152, func(id string, layer, port int) []byte {
		calls[id] = [2]int{layer, port}
		return []byte{byte(layer), byte(port)}
	})

	require.Equal(2+2*3, p.Size())
	require.Len(p.Providers(), 2)
	require.Equal(2, p.Top)
	require.Equal([2]int{0, 49152}, calls["p000000"])
}

func TestBuildProviderAndMixLayers(t *testing.T) {
	require := require.New(t)

	p := Build(2, 2, 3, 49152, func(id string, layer, port int) []byte {
		return []byte{byte(layer)}
	})

	require.Equal(0, p.Layer("p000000"))
	require.Equal(0, p.Layer("p000001"))
	require.Equal(1, p.Layer("m000002"))
	require.Equal(2, p.Layer("m000005"))
	require.Equal(2, p.Top)

	require.Equal(49152, p.Port("p000000"))
	require.Equal(49152+2, p.Port("m000002"))

	require.Equal(-1, p.Layer("does-not-exist"))
	require.Equal(0, p.Port("does-not-exist"))
}

func TestByLayerSortedByID(t *testing.T) {
	require := require.New(t)

	p := Build(3, 1, 2, 1000, func(id string, layer, port int) []byte { return nil })
	layer0 := p.ByLayer[0]
	require.Len(layer0, 3)
	for i := 1; i < len(layer0); i++ {
		require.Less(layer0[i-1].ID, layer0[i].ID)
	}
}
