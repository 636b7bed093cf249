// Package mailtrace loads the PAYLOAD trace file and renders the
// per-event traffic log line (spec.md §6: mail JSON schema and
// `"<t.7f> <sender> <next_node> <msg_id> <split> <of_type>"` log format).
package mailtrace

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	"github.com/loopix-lab/mixsim/internal/engine"
	"github.com/loopix-lab/mixsim/internal/mixtypes"
)

// entry mirrors one trace record on disk.
type entry struct {
	Time     float64 `json:"time"`
	Size     int     `json:"size"`
	Sender   string  `json:"sender"`
	Receiver string  `json:"receiver"`
}

// Load reads and parses the trace file into the engine's Mail slice.
func Load(path string) ([]mixtypes.Mail, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mailtrace: read %s: %w", path, err)
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("mailtrace: parse %s: %w", path, err)
	}
	out := make([]mixtypes.Mail, len(entries))
	for i, e := range entries {
		if e.Size < 1 {
			return nil, fmt.Errorf("mailtrace: entry %d has size < 1", i)
		}
		out[i] = mixtypes.Mail{Time: e.Time, Size: e.Size, Sender: e.Sender, Receiver: e.Receiver}
	}
	return out, nil
}

// Writer is a file-backed, append-only sink for traffic log lines,
// satisfying engine.Logger. Every PAYLOAD emission is logged
// unconditionally — including decoy PAYLOAD-family packets synthesised
// as DROP at the wire — so that a post-hoc analysis can't distinguish
// "real" from "cover" traffic from the log alone, the same
// indistinguishability property the ε estimator targets. This mirrors a
// behaviour present in the original `simulator.py`'s unconditional
// `info(...)` call inside `__worker`, which spec.md's traffic-log section
// otherwise leaves implicit.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens (creating if absent) the log file at path for append.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("mailtrace: open %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// LogTraffic appends one traffic line (spec.md §6 log line format).
func (w *Writer) LogTraffic(line engine.TraceLine) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.file, "%.7f %s %s %s %s %s\n",
		line.Time, line.Sender, line.NextNode, line.MsgID, line.Split, line.OfType)
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
