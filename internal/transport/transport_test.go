package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopix-lab/mixsim/internal/pki"
)

func freePKI(t *testing.T, n int) *pki.PKI {
	t.Helper()
	entries := make([]*pki.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &pki.Entry{ID: pki.ProviderID(i), Port: 0, Layer: 0, PublicKey: []byte{byte(i)}})
	}
	return pki.New(entries)
}

func TestSendToUnknownNode(t *testing.T) {
	require := require.New(t)

	p := freePKI(t, 0)
	tr := New(p, 1024, nil)
	err := tr.Send("ghost", []byte("x"))
	require.ErrorIs(err, ErrUnknownNode)
}

func TestSentinelStopsListener(t *testing.T) {
	require := require.New(t)

	entries := []*pki.Entry{{ID: "nodeA", Port: 39812, Layer: 0, PublicKey: []byte{1}}}
	p := pki.New(entries)
	tr := New(p, 64, nil)

	got := make(chan string, 4)
	require.NoError(tr.Listen(func(nodeID string, payload []byte) {
		got <- string(payload)
	}))

	require.NoError(tr.Send("nodeA", []byte("hello")))
	select {
	case msg := <-got:
		require.Equal("hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	require.NoError(tr.Terminate("nodeA"))
	done := make(chan struct{})
	go func() { tr.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener to stop after sentinel")
	}
}
