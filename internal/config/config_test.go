package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mixsim.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestFromFileDefaults(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_file = "traffic.log"
traces_file = "trace.json"
`)
	cfg, err := FromFile(path)
	require.NoError(err)
	require.Equal(2, cfg.Layers)
	require.Equal(2, cfg.NumProviders)
	require.Equal(5436, cfg.BodySize)
	require.Equal(AllSimulation, cfg.ClientModel)
	require.Equal(DefaultLambda, cfg.Lambdas["DROP"])
	require.Equal(DefaultLambda, cfg.Lambdas["LOOP_MIX"])
}

func TestFromFileRejectsNonTOMLPath(t *testing.T) {
	require := require.New(t)

	_, err := FromFile("config.yaml")
	require.ErrorIs(err, ErrInvalid)
}

func TestFromFileRequiresLogFile(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `traces_file = "trace.json"`)
	_, err := FromFile(path)
	require.ErrorIs(err, ErrInvalid)
}

func TestFromFileRequiresJSONTraces(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_file = "traffic.log"
traces_file = "trace.csv"
`)
	_, err := FromFile(path)
	require.ErrorIs(err, ErrInvalid)
}

func TestFromFileRejectsInvalidClientModel(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_file = "traffic.log"
traces_file = "trace.json"
client_model = "NOT_A_MODE"
`)
	_, err := FromFile(path)
	require.ErrorIs(err, ErrInvalid)
}

func TestFromFileOverridesAndLambdas(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_file = "traffic.log"
traces_file = "trace.json"
layers = 3
num_senders = 10
client_model = "TIME_PROXIMITY"

[lambdas]
DROP = 2.5
`)
	cfg, err := FromFile(path)
	require.NoError(err)
	require.Equal(3, cfg.Layers)
	require.Equal(10, cfg.NumSenders)
	require.Equal(TimeProximity, cfg.ClientModel)
	require.Equal(2.5, cfg.Lambdas["DROP"])
	require.Equal(DefaultLambda, cfg.Lambdas["LOOP"])
}

func TestFromFileRejectsNonPositiveLambda(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_file = "traffic.log"
traces_file = "trace.json"

[lambdas]
DROP = -1.0
`)
	_, err := FromFile(path)
	require.ErrorIs(err, ErrInvalid)
}

func TestApplyLambdaDivision(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_file = "traffic.log"
traces_file = "trace.json"
`)
	cfg, err := FromFile(path)
	require.NoError(err)

	before := cfg.Lambdas["DROP"]
	require.NoError(cfg.ApplyLambdaDivision(4, 8))
	require.InDelta(before/4, cfg.Lambdas["DROP"], 1e-12)
	require.InDelta(before/8, cfg.Lambdas["LOOP_MIX"], 1e-12)
	require.InDelta(before, cfg.Lambdas["DELAY"], 1e-12)
}

func TestApplyLambdaDivisionRejectsZero(t *testing.T) {
	require := require.New(t)

	cfg := &Config{Lambdas: map[string]float64{"DROP": 1}}
	require.Error(cfg.ApplyLambdaDivision(0, 1))
	require.Error(cfg.ApplyLambdaDivision(1, 0))
}

func TestDeriveSphinxParams(t *testing.T) {
	require := require.New(t)

	cfg := &Config{BodySize: 5436, Layers: 2}
	sp := cfg.DeriveSphinxParams()
	require.Equal(72, sp.AddBody)
	require.Equal(37, sp.AddBuffer) // base 36 + 1 for 1<layers<5
	require.Equal(40*2+77, sp.HeaderLen)
	require.Equal(5436+72, sp.BodyLen)
}
