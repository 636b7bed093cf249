// Package checkpoint serialises and restores engine state to a single
// bbolt file (spec.md §4.6), following the same one-bucket-per-logical-
// collection / bolt.Update-transaction shape as katzenpost-client's
// storage/db.go (there applied to SMTP egress/ingress blocks; here to
// the simulator's queues, tracker, event log and per-node counters).
package checkpoint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/loopix-lab/mixsim/internal/mixtypes"
)

var (
	bucketMeta    = []byte("meta")
	bucketNodes   = []byte("nodes")
	bucketQueues  = []byte("queues")
	bucketTracker = []byte("tracker")
	bucketEvents  = []byte("events")
)

// Meta captures the simulation-level state that isn't per-node or
// per-queue (spec.md §4.6: "at current sim time, capture... config").
type Meta struct {
	EndTime        float64
	BodySize       int
	Layers         int
	LoopMixEntropy bool
	Epsilon        float64
	LatencyMean    int // reserved for future running-count persistence
}

// NodeState is one node's persisted mutable counters plus its secret key
// in hex (spec.md §4.6: "Secret keys serialised to hex; Sphinx params and
// environment are NOT persisted").
type NodeState struct {
	ID             string
	Layer          int
	Port           int
	SecretKeyHex   string
	PublicKey      [32]byte
	HT             float64
	KT             int
	LT             int
	N              int
	ProbSum        mixtypes.Dist
	LastLatency    float64
	RunningLatency float64
	Sending        []SendingState
}

// SendingState is one in-flight LOOP_MIX probe this node originated,
// awaiting its CompleteLoopMix (spec.md §3 Node's `sending_time`).
type SendingState struct {
	MsgID         string
	Start         float64
	ExpectedDelay float64
}

// QueuedPacket is one still-queued PAYLOAD split, keyed by sender at
// restore time.
type QueuedPacket struct {
	Sender string
	Packet mixtypes.Packet
}

// TrackerState is one LatencyTracker entry.
type TrackerState struct {
	MsgID         string
	Remaining     int
	FirstSendTime float64
}

// EventState is one EventLog entry, tagged by kind so Load can
// re-dispatch it to the right worker re-scheduler.
type EventState struct {
	Kind    string
	DueTime float64
	MsgID   string
	OfType  mixtypes.OfType
	NodeID  string
	Sender  string
	Family  string
	Runtime float64
	K       int
	Packet  *mixtypes.Packet
}

// Snapshot is everything Save persists and Load restores.
type Snapshot struct {
	Meta    Meta
	Nodes   []NodeState
	Queued  []QueuedPacket
	Tracker []TrackerState
	Events  []EventState
}

// Save writes snap to path, replacing any existing file's buckets.
func Save(path string, snap Snapshot) error {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketNodes, bucketQueues, bucketTracker, bucketEvents} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}

		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		metaBytes, err := cbor.Marshal(snap.Meta)
		if err != nil {
			return err
		}
		if err := meta.Put([]byte("meta"), metaBytes); err != nil {
			return err
		}

		nodes, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		for _, n := range snap.Nodes {
			raw, err := cbor.Marshal(n)
			if err != nil {
				return err
			}
			if err := nodes.Put([]byte(n.ID), raw); err != nil {
				return err
			}
		}

		queues, err := tx.CreateBucket(bucketQueues)
		if err != nil {
			return err
		}
		for i, q := range snap.Queued {
			raw, err := cbor.Marshal(q)
			if err != nil {
				return err
			}
			if err := queues.Put(keyFor(i), raw); err != nil {
				return err
			}
		}

		tracker, err := tx.CreateBucket(bucketTracker)
		if err != nil {
			return err
		}
		for _, t := range snap.Tracker {
			raw, err := cbor.Marshal(t)
			if err != nil {
				return err
			}
			if err := tracker.Put([]byte(t.MsgID), raw); err != nil {
				return err
			}
		}

		events, err := tx.CreateBucket(bucketEvents)
		if err != nil {
			return err
		}
		for i, e := range snap.Events {
			raw, err := cbor.Marshal(e)
			if err != nil {
				return err
			}
			if err := events.Put(keyFor(i), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads a Snapshot back from path.
func Load(path string) (Snapshot, error) {
	var snap Snapshot

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return snap, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("checkpoint: missing meta bucket")
		}
		if raw := meta.Get([]byte("meta")); raw != nil {
			if err := cbor.Unmarshal(raw, &snap.Meta); err != nil {
				return err
			}
		}

		if nodes := tx.Bucket(bucketNodes); nodes != nil {
			return nodes.ForEach(func(k, v []byte) error {
				var n NodeState
				if err := cbor.Unmarshal(v, &n); err != nil {
					return err
				}
				snap.Nodes = append(snap.Nodes, n)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return snap, err
	}

	err = db.View(func(tx *bolt.Tx) error {
		if queues := tx.Bucket(bucketQueues); queues != nil {
			if err := queues.ForEach(func(k, v []byte) error {
				var q QueuedPacket
				if err := cbor.Unmarshal(v, &q); err != nil {
					return err
				}
				snap.Queued = append(snap.Queued, q)
				return nil
			}); err != nil {
				return err
			}
		}
		if tracker := tx.Bucket(bucketTracker); tracker != nil {
			if err := tracker.ForEach(func(k, v []byte) error {
				var t TrackerState
				if err := cbor.Unmarshal(v, &t); err != nil {
					return err
				}
				snap.Tracker = append(snap.Tracker, t)
				return nil
			}); err != nil {
				return err
			}
		}
		if events := tx.Bucket(bucketEvents); events != nil {
			return events.ForEach(func(k, v []byte) error {
				var e EventState
				if err := cbor.Unmarshal(v, &e); err != nil {
					return err
				}
				snap.Events = append(snap.Events, e)
				return nil
			})
		}
		return nil
	})
	return snap, err
}

func keyFor(i int) []byte {
	return []byte(fmt.Sprintf("%08d", i))
}
