package observer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopix-lab/mixsim/internal/engine"
)

func TestObserveLatencyRunningMean(t *testing.T) {
	require := require.New(t)

	o := New()
	o.ObserveLatency(10)
	o.ObserveLatency(20)
	require.InDelta(15.0, o.LatencyMean(), 1e-9)
}

func TestIncPacketsAndReplays(t *testing.T) {
	require := require.New(t)

	o := New()
	// Must not panic for every known family label.
	o.IncPackets(engine.FamilyPayload)
	o.IncPackets(engine.FamilyDrop)
	o.IncReplays("m000001")
	require.NotNil(o)
}

func TestObserveEntropyAndEpsilonDoNotPanic(t *testing.T) {
	o := New()
	o.ObserveEntropy(0.5)
	o.ObserveEpsilon(1.2)
	o.ObserveLoopMixLatency("m000001", 3.0)
}
