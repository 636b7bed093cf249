// Package simulator is the facade tying config, PKI, the packet
// factory, the scheduler and its supporting collaborators together
// (spec.md §4.9/§9), grounded on katzenpost-client/daemon.go's
// constructor/Start/Stop daemon shape and simulator.py's
// Simulator.__init__/runSimulation.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/op/go-logging"

	"github.com/loopix-lab/mixsim/internal/checkpoint"
	"github.com/loopix-lab/mixsim/internal/config"
	"github.com/loopix-lab/mixsim/internal/engine"
	"github.com/loopix-lab/mixsim/internal/mailtrace"
	"github.com/loopix-lab/mixsim/internal/mixtypes"
	"github.com/loopix-lab/mixsim/internal/node"
	"github.com/loopix-lab/mixsim/internal/observer"
	"github.com/loopix-lab/mixsim/internal/packetfactory"
	"github.com/loopix-lab/mixsim/internal/payloadqueue"
	"github.com/loopix-lab/mixsim/internal/pki"
	"github.com/loopix-lab/mixsim/internal/sampler"
	"github.com/loopix-lab/mixsim/internal/sphinx"
	"github.com/loopix-lab/mixsim/internal/transport"
)

// Simulator owns every long-lived collaborator for one run: the RNG, the
// PKI-derived node table, the engine, the transport listeners, the
// traffic log and the metrics exporter (spec.md §5: "the engine owns all
// mutable state without locks"; the RNG in particular is exclusively
// engine-owned via this facade).
type Simulator struct {
	cfg   *config.Config
	pki   *pki.PKI
	nodes map[string]*node.Node
	codec sphinx.Codec
	rng   *rand.Rand

	factory  *packetfactory.Factory
	queues   *payloadqueue.Queues
	tracker  *payloadqueue.LatencyTracker
	sampler  *sampler.Sampler
	engine   *engine.Engine
	obs      *observer.Observer
	trace    *mailtrace.Writer
	tport    *transport.Transport
	log      *logging.Logger
	mails    []mixtypes.Mail
	userProv map[string]string
	resumed  bool
}

// New loads cfgPath, builds the PKI and every collaborator, and returns
// an idle Simulator ready for Run.
func New(cfgPath string, log *logging.Logger) (*Simulator, error) {
	cfg, err := config.FromFile(cfgPath)
	if err != nil {
		return nil, err
	}

	mails, err := mailtrace.Load(cfg.TracesFile)
	if err != nil {
		return nil, err
	}

	rng := newRNG(cfg.RNGSeed)

	realSenders, userProv, numUsers := assignProviders(mails, cfg.NumProviders, rng)

	numSenders := cfg.NumSenders
	if numSenders == 0 {
		numSenders = len(realSenders)
	}
	fakeSenders := make([]string, 0)
	for i := 0; numSenders > len(realSenders)+len(fakeSenders); i++ {
		id := fmt.Sprintf("f%06d", i)
		fakeSenders = append(fakeSenders, id)
		userProv[id] = pki.ProviderID(rng.Intn(cfg.NumProviders))
	}
	_ = numUsers

	codec := sphinx.New()
	nodes := make(map[string]*node.Node)
	var buildErr error
	pkiView := pki.Build(cfg.NumProviders, cfg.Layers, cfg.NodesPerLayer, cfg.BasePort, func(id string, layer, port int) []byte {
		n, err := node.New(id, layer, port, codec)
		if err != nil {
			buildErr = err
			return make([]byte, sphinx.KeySize)
		}
		nodes[id] = n
		pub := n.PublicKey
		return pub[:]
	})
	if buildErr != nil {
		return nil, fmt.Errorf("simulator: node construction: %w", buildErr)
	}

	if err := cfg.ApplyLambdaDivision(numSenders, pkiView.Size()); err != nil {
		return nil, err
	}

	factory := packetfactory.New(pkiView, codec, cfg.BodySize, cfg.Lambdas["DELAY"], userProv, rng)
	queues := payloadqueue.NewQueues()
	tracker := payloadqueue.NewLatencyTracker()

	sampleMails := make([]sampler.Mail, len(mails))
	for i, m := range mails {
		sampleMails[i] = sampler.Mail{Time: m.Time, Sender: m.Sender}
	}
	senderProv := make(map[string]string, len(realSenders)+len(fakeSenders))
	for _, s := range realSenders {
		senderProv[s] = userProv[s]
	}
	for _, s := range fakeSenders {
		senderProv[s] = userProv[s]
	}
	snd := sampler.New(cfg.ClientModel, realSenders, fakeSenders, senderProv, sampleMails, queues, numSenders, rng)

	obs := observer.New()
	traceWriter, err := mailtrace.NewWriter(cfg.LogFile)
	if err != nil {
		return nil, err
	}

	sp := cfg.DeriveSphinxParams()
	datagramSize := sp.HeaderLen + sp.BodyLen + sp.AddBuffer
	tport := transport.New(pkiView, datagramSize, log)

	challengers := pickChallengers(realSenders, fakeSenders)

	eng := engine.New(engine.Options{
		Config:      cfg,
		PKI:         pkiView,
		Nodes:       nodes,
		Factory:     factory,
		Queues:      queues,
		Tracker:     tracker,
		Sampler:     snd,
		RNG:         rng,
		Transport:   tport,
		Metrics:     obs,
		Trace:       traceWriter,
		Log:         log,
		Challengers: challengers,
		TotalMails:  len(mails),
		Until:       false,
	})

	return &Simulator{
		cfg: cfg, pki: pkiView, nodes: nodes, codec: codec, rng: rng,
		factory: factory, queues: queues, tracker: tracker, sampler: snd,
		engine: eng, obs: obs, trace: traceWriter, tport: tport, log: log,
		mails: mails, userProv: userProv,
	}, nil
}

// Run starts every node's UDP listener, bootstraps the engine's initial
// events, and drives the clock until termination, serving Prometheus
// metrics for the duration (spec.md §4.3/§4.5/§9).
func (s *Simulator) Run(maxSimTime float64) error {
	if err := s.tport.Listen(nil); err != nil {
		return err
	}
	s.engine.OnTerminate(func() { s.tport.Close() })

	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	go func() {
		if err := s.obs.Serve(metricsCtx, s.cfg.MetricsAddr); err != nil && s.log != nil {
			s.log.Warningf("simulator: metrics server: %v", err)
		}
	}()
	defer cancelMetrics()

	if !s.resumed {
		s.engine.Bootstrap(s.mails)
	}
	err := s.engine.Run(maxSimTime)
	_ = s.trace.Close()
	return err
}

// MaxSimTime is the default run horizon when the caller doesn't
// override one: twice the last trace event's time plus the configured
// lag (simulator.py: `self.__maxSimTime = self.__traces[-1]['time']*2 +
// self.__lag`), giving every PAYLOAD enough room to traverse the
// network and be acknowledged before the run is declared complete.
func (s *Simulator) MaxSimTime() float64 {
	if len(s.mails) == 0 {
		return s.cfg.Lag
	}
	return s.mails[len(s.mails)-1].Time*2 + s.cfg.Lag
}

// Checkpoint captures the current engine/node/queue/tracker/event state
// to path (spec.md §4.6 save). Any mail whose payload_wrapper hasn't yet
// fired — there is no EventLog entry for that scheduling, since a
// payload is Sphinx-wrapped synchronously inside payload_to_sphinx — is
// not captured and will not be redelivered after a resume. A packet
// waiting out its relay delay between hops is not captured either:
// process_packet schedules that send_packet(DELAY) continuation without
// an EventLog entry, so the packet does not continue after a resume.
// Every event that has an EventLog entry is restored at its due time.
func (s *Simulator) Checkpoint(path string) error {
	snap := checkpoint.Snapshot{
		Meta: checkpoint.Meta{
			EndTime:        s.engine.Clock.Now(),
			BodySize:       s.cfg.BodySize,
			Layers:         s.cfg.Layers,
			LoopMixEntropy: s.cfg.LoopMixEntropy,
			Epsilon:        s.engine.Epsilon(),
		},
	}
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := s.nodes[id]
		var sending []checkpoint.SendingState
		for _, st := range n.SendingStates() {
			sending = append(sending, checkpoint.SendingState{MsgID: st.MsgID, Start: st.Start, ExpectedDelay: st.ExpectedDelay})
		}
		snap.Nodes = append(snap.Nodes, checkpoint.NodeState{
			ID: n.ID, Layer: n.Layer, Port: n.Port,
			SecretKeyHex: n.SecretKeyHex(), PublicKey: n.PublicKey,
			HT: n.Entropy(), KT: n.KT(), LT: n.LT(), N: n.N(), ProbSum: n.ProbSum(),
			LastLatency: n.LastLatency, RunningLatency: n.RunningLatency,
			Sending: sending,
		})
	}

	for _, q := range s.queues.Snapshot() {
		snap.Queued = append(snap.Queued, checkpoint.QueuedPacket{Sender: q.Sender, Packet: *q.Packet})
	}
	for _, t := range s.tracker.Snapshot() {
		snap.Tracker = append(snap.Tracker, checkpoint.TrackerState{MsgID: t.MsgID, Remaining: t.Remaining, FirstSendTime: t.FirstSendTime})
	}
	snap.Events = eventStatesFromLog(s.engine.Log)

	return checkpoint.Save(path, snap)
}

// eventStatesFromLog flattens every EventLog map into the tagged,
// serialisable EventState slice a checkpoint persists (spec.md §4.6).
func eventStatesFromLog(log *engine.EventLog) []checkpoint.EventState {
	var out []checkpoint.EventState
	for _, e := range log.Postprocess {
		out = append(out, checkpoint.EventState{
			Kind: "postprocess", DueTime: e.DueTime, MsgID: e.MsgID,
			OfType: e.OfType, NodeID: e.NodeID, Runtime: e.Runtime,
		})
	}
	for _, e := range log.SendPacket {
		out = append(out, checkpoint.EventState{
			Kind: "send_packet", DueTime: e.DueTime, OfType: e.OfType,
			NodeID: e.NodeID, Family: string(e.Family), Packet: e.Data,
		})
	}
	for family, entries := range log.DecoyWrapper {
		for _, e := range entries {
			out = append(out, checkpoint.EventState{
				Kind: "decoy_worker", DueTime: e.DueTime, Family: string(family),
			})
		}
	}
	for _, e := range log.PutOnPayloadQueue {
		out = append(out, checkpoint.EventState{
			Kind: "put_on_payload_queue", DueTime: e.DueTime, Sender: e.Sender, Packet: e.Packet,
		})
	}
	for k, due := range log.ChallengeWorker {
		if due > 0 {
			out = append(out, checkpoint.EventState{Kind: "challenge_worker", DueTime: due, K: k})
		}
	}
	return out
}

// eventsFromSnapshot converts a checkpoint's flat EventState slice back
// into the engine's RestoreEvent shape.
func eventsFromSnapshot(events []checkpoint.EventState) []engine.RestoreEvent {
	out := make([]engine.RestoreEvent, 0, len(events))
	for _, e := range events {
		out = append(out, engine.RestoreEvent{
			Kind: e.Kind, DueTime: e.DueTime, MsgID: e.MsgID, OfType: e.OfType,
			NodeID: e.NodeID, Sender: e.Sender, Family: engine.Family(e.Family),
			Runtime: e.Runtime, Data: e.Packet, K: e.K,
		})
	}
	return out
}

// Resume rebuilds a Simulator from cfgPath and a previously-saved
// checkpoint at checkpointPath: node Sphinx keys, queues, the latency
// tracker and every pending EventLog entry are all restored from the
// snapshot rather than freshly generated, and the clock resumes at the
// snapshot's end_time rather than the configured start_time (spec.md
// §4.6 load).
func Resume(cfgPath, checkpointPath string, log *logging.Logger) (*Simulator, error) {
	cfg, err := config.FromFile(cfgPath)
	if err != nil {
		return nil, err
	}
	snap, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return nil, err
	}

	mails, err := mailtrace.Load(cfg.TracesFile)
	if err != nil {
		return nil, err
	}

	rng := newRNG(cfg.RNGSeed)

	realSenders, userProv, _ := assignProviders(mails, cfg.NumProviders, rng)

	numSenders := cfg.NumSenders
	if numSenders == 0 {
		numSenders = len(realSenders)
	}
	fakeSenders := make([]string, 0)
	for i := 0; numSenders > len(realSenders)+len(fakeSenders); i++ {
		id := fmt.Sprintf("f%06d", i)
		fakeSenders = append(fakeSenders, id)
		userProv[id] = pki.ProviderID(rng.Intn(cfg.NumProviders))
	}

	byID := make(map[string]checkpoint.NodeState, len(snap.Nodes))
	for _, ns := range snap.Nodes {
		byID[ns.ID] = ns
	}

	codec := sphinx.New()
	nodes := make(map[string]*node.Node)
	var buildErr error
	pkiView := pki.Build(cfg.NumProviders, cfg.Layers, cfg.NodesPerLayer, cfg.BasePort, func(id string, layer, port int) []byte {
		ns, ok := byID[id]
		if !ok {
			buildErr = fmt.Errorf("simulator: resume: checkpoint has no state for node %s", id)
			return make([]byte, sphinx.KeySize)
		}
		n, err := node.Restore(id, layer, port, codec, ns.SecretKeyHex, ns.PublicKey)
		if err != nil {
			buildErr = err
			return make([]byte, sphinx.KeySize)
		}
		var sending []node.SendingState
		for _, st := range ns.Sending {
			sending = append(sending, node.SendingState{MsgID: st.MsgID, Start: st.Start, ExpectedDelay: st.ExpectedDelay})
		}
		n.RestoreCounters(ns.HT, ns.KT, ns.LT, ns.N, ns.ProbSum, ns.LastLatency, ns.RunningLatency)
		n.RestoreSending(sending)
		nodes[id] = n
		pub := n.PublicKey
		return pub[:]
	})
	if buildErr != nil {
		return nil, fmt.Errorf("simulator: resume: node construction: %w", buildErr)
	}

	if err := cfg.ApplyLambdaDivision(numSenders, pkiView.Size()); err != nil {
		return nil, err
	}

	factory := packetfactory.New(pkiView, codec, cfg.BodySize, cfg.Lambdas["DELAY"], userProv, rng)
	queues := payloadqueue.NewQueues()
	var queued []payloadqueue.QueuedEntry
	for _, q := range snap.Queued {
		pkt := q.Packet
		queued = append(queued, payloadqueue.QueuedEntry{Sender: q.Sender, Packet: &pkt})
	}
	queues.Restore(queued)

	tracker := payloadqueue.NewLatencyTracker()
	var trackerEntries []payloadqueue.TrackerEntry
	for _, t := range snap.Tracker {
		trackerEntries = append(trackerEntries, payloadqueue.TrackerEntry{MsgID: t.MsgID, Remaining: t.Remaining, FirstSendTime: t.FirstSendTime})
	}
	tracker.Restore(trackerEntries)

	sampleMails := make([]sampler.Mail, len(mails))
	for i, m := range mails {
		sampleMails[i] = sampler.Mail{Time: m.Time, Sender: m.Sender}
	}
	senderProv := make(map[string]string, len(realSenders)+len(fakeSenders))
	for _, sdr := range realSenders {
		senderProv[sdr] = userProv[sdr]
	}
	for _, sdr := range fakeSenders {
		senderProv[sdr] = userProv[sdr]
	}
	snd := sampler.New(cfg.ClientModel, realSenders, fakeSenders, senderProv, sampleMails, queues, numSenders, rng)

	obs := observer.New()
	traceWriter, err := mailtrace.NewWriter(cfg.LogFile)
	if err != nil {
		return nil, err
	}

	sp := cfg.DeriveSphinxParams()
	datagramSize := sp.HeaderLen + sp.BodyLen + sp.AddBuffer
	tport := transport.New(pkiView, datagramSize, log)

	challengers := pickChallengers(realSenders, fakeSenders)

	cfg.StartTime = snap.Meta.EndTime

	eng := engine.New(engine.Options{
		Config:      cfg,
		PKI:         pkiView,
		Nodes:       nodes,
		Factory:     factory,
		Queues:      queues,
		Tracker:     tracker,
		Sampler:     snd,
		RNG:         rng,
		Transport:   tport,
		Metrics:     obs,
		Trace:       traceWriter,
		Log:         log,
		Challengers: challengers,
		TotalMails:  len(mails),
		Until:       false,
	})
	eng.RestoreEpsilon(snap.Meta.Epsilon)
	eng.RestoreEvents(eventsFromSnapshot(snap.Events))

	return &Simulator{
		cfg: cfg, pki: pkiView, nodes: nodes, codec: codec, rng: rng,
		factory: factory, queues: queues, tracker: tracker, sampler: snd,
		engine: eng, obs: obs, trace: traceWriter, tport: tport, log: log,
		mails: mails, userProv: userProv, resumed: true,
	}, nil
}

func newRNG(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// assignProviders derives the sorted-unique sender set from the trace
// and randomly assigns every user seen (sender or receiver) to a
// provider (spec.md §3 PKI view / simulator.py's `userIdxToProvider`).
func assignProviders(mails []mixtypes.Mail, numProviders int, rng *rand.Rand) (senders []string, userProvider map[string]string, numUsers int) {
	senderSet := make(map[string]struct{})
	userSet := make(map[string]struct{})
	for _, m := range mails {
		senderSet[m.Sender] = struct{}{}
		userSet[m.Sender] = struct{}{}
		userSet[m.Receiver] = struct{}{}
	}
	senders = make([]string, 0, len(senderSet))
	for s := range senderSet {
		senders = append(senders, s)
	}
	sort.Strings(senders)

	users := make([]string, 0, len(userSet))
	for u := range userSet {
		users = append(users, u)
	}
	sort.Strings(users)

	userProvider = make(map[string]string, len(users))
	for _, u := range users {
		userProvider[u] = pki.ProviderID(rng.Intn(numProviders))
	}
	return senders, userProvider, len(users)
}

// pickChallengers names the two synthetic challenger senders used by the
// ε-indistinguishability estimator (spec.md §4.3's CHALLENGE_0/1), drawn
// from real senders when available so their traffic routes like any
// other user's.
func pickChallengers(real, fake []string) [2]string {
	pool := append(append([]string{}, real...), fake...)
	var out [2]string
	for i := 0; i < 2; i++ {
		if len(pool) == 0 {
			break
		}
		out[i] = pool[i%len(pool)]
	}
	return out
}
