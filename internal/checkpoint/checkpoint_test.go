package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "mixsim.checkpoint")
	snap := Snapshot{
		Meta: Meta{EndTime: 123.5, BodySize: 5436, Layers: 2, LoopMixEntropy: true, Epsilon: 0.42},
		Nodes: []NodeState{
			{ID: "p000000", Layer: 0, Port: 49152, SecretKeyHex: "ab", HT: 1.5, N: 2,
				ProbSum: mixtypes.Dist{1, 2, 3}, LastLatency: 0.1, RunningLatency: 0.2},
		},
		Queued: []QueuedPacket{
			{Sender: "u000000", Packet: mixtypes.Packet{MsgID: "m1", OfType: mixtypes.Payload}},
		},
		Tracker: []TrackerState{{MsgID: "m1", Remaining: 2, FirstSendTime: 5.0}},
		Events:  []EventState{{Kind: "send_packet", DueTime: 10.0, MsgID: "m1", NodeID: "p000000"}},
	}

	require.NoError(Save(path, snap))

	loaded, err := Load(path)
	require.NoError(err)
	require.Equal(snap.Meta, loaded.Meta)
	require.Len(loaded.Nodes, 1)
	require.Equal(snap.Nodes[0], loaded.Nodes[0])
	require.Len(loaded.Queued, 1)
	require.Equal(snap.Queued[0].Sender, loaded.Queued[0].Sender)
	require.Len(loaded.Tracker, 1)
	require.Equal(snap.Tracker[0], loaded.Tracker[0])
	require.Len(loaded.Events, 1)
	require.Equal(snap.Events[0].Kind, loaded.Events[0].Kind)
}

func TestSaveOverwritesExistingFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "mixsim.checkpoint")
	require.NoError(Save(path, Snapshot{Meta: Meta{EndTime: 1}}))
	require.NoError(Save(path, Snapshot{Meta: Meta{EndTime: 2}}))

	loaded, err := Load(path)
	require.NoError(err)
	require.Equal(2.0, loaded.Meta.EndTime)
}

func TestLoadMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.checkpoint"))
	require.Error(err)
}
