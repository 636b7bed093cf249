package sampler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopix-lab/mixsim/internal/config"
	"github.com/loopix-lab/mixsim/internal/payloadqueue"
)

func TestAllSimulationDrawsFromUnion(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))
	queues := payloadqueue.NewQueues()
	s := New(config.AllSimulation, []string{"u1", "u2"}, []string{"f1"}, nil, nil, queues, 3, rng)

	for i := 0; i < 20; i++ {
		got := s.Next(0)
		require.Contains([]string{"u1", "u2", "f1"}, got)
	}
}

func TestTimeProximityPrefersNonEmptyQueue(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))
	queues := payloadqueue.NewQueues()
	queues.Put("u1", nil)
	require.Eventually(func() bool { return queues.NonEmpty("u1") }, time.Second, time.Millisecond)

	s := New(config.TimeProximity, []string{"u1", "u2"}, nil, nil, []Mail{{Time: 100, Sender: "u2"}}, queues, 1, rng)
	got := s.Next(0)
	require.Equal("u1", got)
	require.Equal(1, s.CohortSize())
}

func TestTimeProximityPadsWithNearestByTime(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))
	queues := payloadqueue.NewQueues()
	mails := []Mail{
		{Time: 100, Sender: "far"},
		{Time: 1, Sender: "near"},
	}
	s := New(config.TimeProximity, []string{"far", "near"}, nil, nil, mails, queues, 1, rng)
	got := s.Next(0)
	require.Equal("near", got)
}

func TestTimeProximityFallsBackToFakeSenders(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))
	queues := payloadqueue.NewQueues()
	s := New(config.TimeProximity, nil, []string{"f1"}, nil, nil, queues, 1, rng)
	got := s.Next(0)
	require.Equal("f1", got)
}

func TestUniformProviderWeightedByRealSenderCount(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(42))
	queues := payloadqueue.NewQueues()
	senderProvider := map[string]string{
		"u1": "p0", "u2": "p0", "u3": "p0",
		"u4": "p1",
	}
	s := New(config.UniformProvider, []string{"u1", "u2", "u3", "u4"}, nil, senderProvider, nil, queues, 4, rng)

	countP0, countP1 := 0, 0
	for i := 0; i < 2000; i++ {
		got := s.Next(0)
		switch got {
		case "u1", "u2", "u3":
			countP0++
		case "u4":
			countP1++
		}
	}
	// p0 has 3x the real-sender weight of p1, so it should be drawn
	// roughly 3x as often; allow generous slack for RNG variance.
	require.Greater(countP0, countP1*2)
}

func TestUniformProviderEmptyFallsBackToAllSimulation(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))
	queues := payloadqueue.NewQueues()
	s := New(config.UniformProvider, []string{"u1"}, nil, nil, nil, queues, 1, rng)
	got := s.Next(0)
	require.Equal("u1", got)
}

func TestRendezvousPickDeterministic(t *testing.T) {
	require := require.New(t)

	members := []string{"u1", "u2", "u3"}
	a := rendezvousPick("cohort-key", members)
	b := rendezvousPick("cohort-key", members)
	require.Equal(a, b)
	require.Contains(members, a)
}

func TestRendezvousPickEmptyMembers(t *testing.T) {
	require := require.New(t)

	require.Equal("", rendezvousPick("k", nil))
}

func TestLambdaRescale(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))
	queues := payloadqueue.NewQueues()
	s := New(config.AllSimulation, []string{"u1"}, nil, nil, nil, queues, 1, rng)
	require.Equal(1.0, s.LambdaRescale(1))

	s2 := New(config.TimeProximity, []string{"u1"}, nil, nil, nil, queues, 5, rng)
	got := s2.Next(0) // no queued/near/fake senders to fill the cohort, falls back to all-simulation
	require.Equal("u1", got)
	require.Equal(0, s2.CohortSize())
	require.Equal(1.0, s2.LambdaRescale(0))
}
