package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/op/go-logging"

	"github.com/loopix-lab/mixsim/internal/config"
	"github.com/loopix-lab/mixsim/internal/mixtypes"
	"github.com/loopix-lab/mixsim/internal/node"
	"github.com/loopix-lab/mixsim/internal/packetfactory"
	"github.com/loopix-lab/mixsim/internal/payloadqueue"
	"github.com/loopix-lab/mixsim/internal/pki"
	"github.com/loopix-lab/mixsim/internal/sampler"
)

// Transport is the engine's narrow view of SocketTransport: fire-and-forget
// UDP emission to a node, silently absorbing failures at the wire
// (spec.md §7 TransportError) plus the one-shot termination sentinel.
type Transport interface {
	Send(nodeID string, payload []byte) error
	Terminate(nodeID string) error
}

// Metrics is the engine's narrow view of Observer: it only ever reports
// new samples, never reads them back (spec.md §4.3/§6's running means and
// ε estimator).
type Metrics interface {
	ObserveLatency(latency float64)
	ObserveLoopMixLatency(nodeID string, latency float64)
	ObserveEntropy(mean float64)
	ObserveEpsilon(epsilon float64)
	IncPackets(family Family)
	IncReplays(nodeID string)
}

// TraceLine is one send_packet emission, of any family, as rendered to
// the per-event log
// (spec.md §6: `"<t.7f> <sender> <next_node> <msg_id> <split> <of_type>"`).
type TraceLine struct {
	Time     float64
	Sender   string
	NextNode string
	MsgID    string
	Split    string
	OfType   mixtypes.OfType
}

// Logger is the narrow trace-line sink the engine writes to; satisfied
// by internal/mailtrace's file-backed writer and by tests' in-memory
// fakes alike.
type Logger interface {
	LogTraffic(TraceLine)
}

// Engine is the discrete-event simulation core (spec.md §4.3). It is the
// sole owner of the simulation clock, the PKI-derived node table, the
// payload queues, the latency tracker and the RNG (spec.md §5).
type Engine struct {
	Clock *Clock
	Log   *EventLog

	cfg     *config.Config
	pki     *pki.PKI
	nodes   map[string]*node.Node
	factory *packetfactory.Factory
	queues  *payloadqueue.Queues
	tracker *payloadqueue.LatencyTracker
	sampler *sampler.Sampler
	rng     *rand.Rand

	transport Transport
	metrics   Metrics
	trace     Logger
	log       *logging.Logger

	challengers    [2]string
	totalMails     int
	completed      int
	until          bool
	terminated     bool
	epsilon        float64
	epsilonReady   bool
	lastCohortSize int
	fatalErr       error

	nodeIDs []string

	onTerminate func()
}

// Options bundles Engine's collaborators (spec.md §9 simulator facade
// ties config/PKI/workers together; Engine itself stays a pure scheduler
// plus accounting core so the facade — internal/simulator — owns wiring).
type Options struct {
	Config      *config.Config
	PKI         *pki.PKI
	Nodes       map[string]*node.Node
	Factory     *packetfactory.Factory
	Queues      *payloadqueue.Queues
	Tracker     *payloadqueue.LatencyTracker
	Sampler     *sampler.Sampler
	RNG         *rand.Rand
	Transport   Transport
	Metrics     Metrics
	Trace       Logger
	Log         *logging.Logger
	Challengers [2]string
	TotalMails  int
	Until       bool
}

// New constructs an idle Engine. Callers must still seed the initial
// decoy/challenge workers and mail schedule via Bootstrap.
func New(opts Options) *Engine {
	ids := make([]string, 0, len(opts.Nodes))
	for id := range opts.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Engine{
		nodeIDs:     ids,
		Clock:       NewClock(opts.Config.StartTime),
		Log:         NewEventLog(),
		cfg:         opts.Config,
		pki:         opts.PKI,
		nodes:       opts.Nodes,
		factory:     opts.Factory,
		queues:      opts.Queues,
		tracker:     opts.Tracker,
		sampler:     opts.Sampler,
		rng:         opts.RNG,
		transport:   opts.Transport,
		metrics:     opts.Metrics,
		trace:       opts.Trace,
		log:         opts.Log,
		challengers: opts.Challengers,
		totalMails:  opts.TotalMails,
		until:       opts.Until,
	}
}

// Node exposes a node by id (read-only outside the engine's own workers).
func (e *Engine) Node(id string) (*node.Node, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// Bootstrap schedules every mail's payload_wrapper, plus one decoy_worker
// per family and one challenge_worker per challenger (spec.md §4.3
// runSimulation's initial enqueue pass).
func (e *Engine) Bootstrap(mails []mixtypes.Mail) {
	for _, mail := range mails {
		e.schedulePayloadWrapper(mail)
	}
	for _, family := range DecoyFamilies {
		e.scheduleDecoyWorker(family)
	}
	e.scheduleChallengeWorker(0)
	e.scheduleChallengeWorker(1)
}

// Run drives the clock until termination: either maxSimTime elapses past
// the configured start time, or (when until is false) every mail has been
// fully delivered (spec.md §5 Cancellation).
func (e *Engine) Run(maxSimTime float64) error {
	deadline := e.cfg.StartTime + maxSimTime
	for !e.terminated && e.fatalErr == nil && e.Clock.Now() < deadline {
		if _, ok := e.Clock.Step(); !ok {
			break
		}
		if !e.until && e.totalMails > 0 && e.completed >= e.totalMails {
			e.terminate()
		}
	}
	if !e.terminated {
		e.terminate()
	}
	return e.fatalErr
}

// Err returns the fatal error that stopped the engine, if any (spec.md
// §7: only ConfigInvalid and LatencyAssertionViolation are fatal; the
// former is caught at config load, so this only ever surfaces the
// latter).
func (e *Engine) Err() error { return e.fatalErr }

// terminate sends the UDP sentinel to every node exactly once and marks
// the engine as stopped; the EventLog/Clock are simply discarded, as
// spec.md §5 prescribes for a normal (non-checkpointing) shutdown.
func (e *Engine) terminate() {
	if e.terminated {
		return
	}
	e.terminated = true
	for id := range e.nodes {
		_ = e.transport.Terminate(id)
	}
	if e.onTerminate != nil {
		e.onTerminate()
	}
}

// OnTerminate registers a callback invoked exactly once when the engine
// terminates (used by the simulator facade to join listener threads).
func (e *Engine) OnTerminate(fn func()) { e.onTerminate = fn }

// Terminated reports whether the engine has already shut down.
func (e *Engine) Terminated() bool { return e.terminated }

// meanEntropy computes the current mean h_t across all nodes (spec.md §6
// observer "mean entropy").
func (e *Engine) meanEntropy() float64 {
	if len(e.nodes) == 0 {
		return 0
	}
	sum := 0.0
	for _, n := range e.nodes {
		sum += n.Entropy()
	}
	return sum / float64(len(e.nodes))
}

// maybeUpdateEpsilon applies the ε-indistinguishability EWMA once the
// warm-up lag has passed and a packet's dist shows non-zero mass on both
// challenger bases at the top layer (spec.md §4.3 send_packet's DELAY
// branch).
func (e *Engine) maybeUpdateEpsilon(n *node.Node, dist mixtypes.Dist, now float64) {
	if dist[0] <= 0 || dist[1] <= 0 {
		return
	}
	if n.Layer != e.pki.Top {
		return
	}
	if now < e.cfg.StartTime+e.cfg.E2ELag {
		return
	}
	eprime := math.Abs(log2(dist[0] / dist[1]))
	e.epsilon = 0.01*eprime + 0.99*e.epsilon
	e.epsilonReady = true
	e.metrics.ObserveEpsilon(e.epsilon)
}

// Epsilon returns the current ε-indistinguishability EWMA, for
// checkpointing.
func (e *Engine) Epsilon() float64 { return e.epsilon }

// RestoreEpsilon seeds the ε EWMA from a checkpoint (spec.md §4.6).
func (e *Engine) RestoreEpsilon(eps float64) {
	e.epsilon = eps
	e.epsilonReady = true
}

func log2(x float64) float64 { return math.Log2(x) }

func (e *Engine) logf(format string, args ...interface{}) {
	if e.log != nil {
		e.log.Infof(format, args...)
	}
}

func (e *Engine) fatalf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	if e.log != nil {
		e.log.Error(err)
	}
	return err
}
