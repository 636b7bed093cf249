package simulator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

// newTestSimulator wires a minimal, fast-terminating run: one provider,
// one mix, one mail, tiny lambdas so decoy/challenge traffic and the
// single PAYLOAD all clear well inside the run horizon. Returns the
// config path alongside the Simulator so tests can exercise Resume
// against the same configuration.
func newTestSimulator(t *testing.T) (*Simulator, string) {
	t.Helper()
	dir := t.TempDir()

	tracePath := filepath.Join(dir, "trace.json")
	writeFile(t, tracePath, `[{"time":0.5,"size":32,"sender":"u000000","receiver":"u000001"}]`)

	logPath := filepath.Join(dir, "traffic.log")
	cfgPath := filepath.Join(dir, "mixsim.toml")
	writeFile(t, cfgPath, `
log_file = "`+logPath+`"
traces_file = "`+tracePath+`"
lag = 0
e2e_lag = 0
layers = 1
num_providers = 1
nodes_per_layer = 1
body_size = 64
base_port = 58123
time_unit = 0.1
rng_seed = 42
metrics_addr = "127.0.0.1:0"

[lambdas]
DROP = 0.01
LOOP = 0.01
PAYLOAD = 0.01
DELAY = 0.01
LOOP_MIX = 0.01
`)

	log := logging.MustGetLogger("mixsim-test")
	sim, err := New(cfgPath, log)
	require.NoError(t, err)
	return sim, cfgPath
}

func TestNewBuildsSimulator(t *testing.T) {
	require := require.New(t)

	sim, _ := newTestSimulator(t)
	require.NotNil(sim.engine)
	require.Len(sim.nodes, 2) // one provider + one mix
	require.Greater(sim.MaxSimTime(), 0.0)
}

func TestRunDeliversTheOneMail(t *testing.T) {
	require := require.New(t)

	sim, _ := newTestSimulator(t)
	err := sim.Run(5.0)
	require.NoError(err)
	require.Greater(sim.obs.LatencyMean(), 0.0)
}

func TestCheckpointAfterRun(t *testing.T) {
	require := require.New(t)

	sim, _ := newTestSimulator(t)
	require.NoError(sim.Run(5.0))

	path := filepath.Join(t.TempDir(), "mixsim.checkpoint")
	require.NoError(sim.Checkpoint(path))

	info, err := os.Stat(path)
	require.NoError(err)
	require.Greater(info.Size(), int64(0))
}

// TestResumeContinuesRun exercises the checkpoint/resume round trip: a
// simulation is checkpointed mid-run, then resumed from that checkpoint
// against the same config, and the resumed run must itself complete
// without error and accept a further checkpoint.
func TestResumeContinuesRun(t *testing.T) {
	require := require.New(t)

	sim, cfgPath := newTestSimulator(t)
	require.NoError(sim.Run(0.2))

	path := filepath.Join(t.TempDir(), "mixsim.checkpoint")
	require.NoError(sim.Checkpoint(path))

	log := logging.MustGetLogger("mixsim-test-resume")
	resumed, err := Resume(cfgPath, path, log)
	require.NoError(err)
	require.True(resumed.resumed)
	require.NoError(resumed.Run(5.0))

	path2 := filepath.Join(t.TempDir(), "mixsim2.checkpoint")
	require.NoError(resumed.Checkpoint(path2))
}
