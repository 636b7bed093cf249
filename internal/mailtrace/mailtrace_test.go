package mailtrace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopix-lab/mixsim/internal/engine"
	"github.com/loopix-lab/mixsim/internal/mixtypes"
)

func TestLoadParsesValidTrace(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "trace.json")
	body := `[{"time":0.0,"size":100,"sender":"u000000","receiver":"u000001"},
	          {"time":1.5,"size":256,"sender":"u000001","receiver":"u000000"}]`
	require.NoError(os.WriteFile(path, []byte(body), 0644))

	mails, err := Load(path)
	require.NoError(err)
	require.Len(mails, 2)
	require.Equal(mixtypes.Mail{Time: 0.0, Size: 100, Sender: "u000000", Receiver: "u000001"}, mails[0])
	require.Equal(1.5, mails[1].Time)
}

func TestLoadRejectsZeroSize(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(os.WriteFile(path, []byte(`[{"time":0,"size":0,"sender":"a","receiver":"b"}]`), 0644))

	_, err := Load(path)
	require.Error(err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(os.WriteFile(path, []byte(`not json`), 0644))

	_, err := Load(path)
	require.Error(err)
}

func TestWriterAppendsLines(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "traffic.log")
	w, err := NewWriter(path)
	require.NoError(err)

	w.LogTraffic(engine.TraceLine{Time: 1.2345678, Sender: "u000000", NextNode: "p000000", MsgID: "m1", Split: "00000", OfType: mixtypes.Payload})
	require.NoError(w.Close())

	data, err := os.ReadFile(path)
	require.NoError(err)
	require.Contains(string(data), "u000000 p000000 m1 00000 PAYLOAD")
	require.Contains(string(data), "1.2345678")
}
