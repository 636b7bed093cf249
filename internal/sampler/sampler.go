// Package sampler implements SenderSampler's three client models and
// their adaptive lambda recalibration (spec.md §4.4).
package sampler

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	rendezvous "github.com/dgryski/go-rendezvous"

	"github.com/loopix-lab/mixsim/internal/config"
	"github.com/loopix-lab/mixsim/internal/payloadqueue"
)

// Mail is the minimal per-trace-entry view the sampler needs to evaluate
// time-proximity candidates (spec.md §3 Mail).
type Mail struct {
	Time   float64
	Sender string
}

// Sampler draws the next sender for a DROP/LOOP/PAYLOAD emission
// (spec.md §4.3's `else SenderSampler` branch).
type Sampler struct {
	mode          config.ClientModel
	realSenders   []string
	fakeSenders   []string
	senderByProvider map[string][]string // provider id -> member senders, for UNIFORM_PROVIDER
	providerWeights  []string            // flattened empirical provider distribution
	mails         []Mail                // trace, sorted by time, for TIME_PROXIMITY
	queues        *payloadqueue.Queues
	numSenders    int
	rng           *rand.Rand

	lastCohortSize int
}

// New builds a Sampler. realSenders/fakeSenders together form the
// ALL_SIMULATION union; senderProvider maps each real sender to its
// provider id, used by UNIFORM_PROVIDER; mails is the loaded trace used
// by TIME_PROXIMITY.
func New(mode config.ClientModel, realSenders, fakeSenders []string, senderProvider map[string]string, mails []Mail, queues *payloadqueue.Queues, numSenders int, rng *rand.Rand) *Sampler {
	s := &Sampler{
		mode:             mode,
		realSenders:      append([]string(nil), realSenders...),
		fakeSenders:      append([]string(nil), fakeSenders...),
		senderByProvider: make(map[string][]string),
		queues:           queues,
		numSenders:       numSenders,
		rng:              rng,
	}
	for sender, provider := range senderProvider {
		s.senderByProvider[provider] = append(s.senderByProvider[provider], sender)
		s.providerWeights = append(s.providerWeights, provider)
	}
	for _, members := range s.senderByProvider {
		sort.Strings(members)
	}
	sort.Strings(s.providerWeights)

	s.mails = append([]Mail(nil), mails...)
	sort.Slice(s.mails, func(i, j int) bool { return s.mails[i].Time < s.mails[j].Time })

	s.lastCohortSize = numSenders
	return s
}

// Next draws the next sender id for the requested family.
func (s *Sampler) Next(now float64) string {
	switch s.mode {
	case config.TimeProximity:
		return s.nextTimeProximity(now)
	case config.UniformProvider:
		return s.nextUniformProvider()
	default:
		return s.nextAllSimulation()
	}
}

func (s *Sampler) nextAllSimulation() string {
	all := s.union()
	return all[s.rng.Intn(len(all))]
}

func (s *Sampler) union() []string {
	out := make([]string, 0, len(s.realSenders)+len(s.fakeSenders))
	out = append(out, s.realSenders...)
	out = append(out, s.fakeSenders...)
	return out
}

// nextTimeProximity prefers senders with a non-empty PayloadQueue; pads
// with the senders whose nearest trace mail is closest to now, then fake
// senders; truncates to numSenders; samples uniformly. Records the
// realised cohort size, which the caller reads through LambdaRescale and
// CohortSize to rescale its lambdas (spec.md §4.4); the sampler itself
// changes no lambda.
func (s *Sampler) nextTimeProximity(now float64) string {
	cohort := make([]string, 0, s.numSenders)
	seen := make(map[string]struct{})
	for _, sender := range s.realSenders {
		if len(cohort) >= s.numSenders {
			break
		}
		if s.queues.NonEmpty(sender) {
			cohort = append(cohort, sender)
			seen[sender] = struct{}{}
		}
	}
	if len(cohort) < s.numSenders {
		for _, sender := range s.nearestByTime(now) {
			if len(cohort) >= s.numSenders {
				break
			}
			if _, dup := seen[sender]; dup {
				continue
			}
			cohort = append(cohort, sender)
			seen[sender] = struct{}{}
		}
	}
	for _, sender := range s.fakeSenders {
		if len(cohort) >= s.numSenders {
			break
		}
		if _, dup := seen[sender]; dup {
			continue
		}
		cohort = append(cohort, sender)
		seen[sender] = struct{}{}
	}

	s.lastCohortSize = len(cohort)
	if len(cohort) == 0 {
		return s.nextAllSimulation()
	}
	return cohort[s.rng.Intn(len(cohort))]
}

// nearestByTime returns real senders ordered by how close their nearest
// trace mail is to now (ties broken by trace order).
func (s *Sampler) nearestByTime(now float64) []string {
	type cand struct {
		sender string
		dist   float64
	}
	best := make(map[string]float64)
	order := make([]string, 0, len(s.mails))
	for _, m := range s.mails {
		d := m.Time - now
		if d < 0 {
			d = -d
		}
		if prev, ok := best[m.Sender]; !ok || d < prev {
			if !ok {
				order = append(order, m.Sender)
			}
			best[m.Sender] = d
		}
	}
	cands := make([]cand, 0, len(order))
	for _, sender := range order {
		cands = append(cands, cand{sender, best[sender]})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.sender
	}
	return out
}

// LambdaRescale returns the factor by which DROP/LOOP/PAYLOAD lambdas
// should be multiplied after the last Next() call, per spec.md §4.4's
// `old_count/new_count` adaptive rescaling. Returns 1 when the cohort
// size hasn't changed.
func (s *Sampler) LambdaRescale(oldCount int) float64 {
	if s.lastCohortSize == 0 {
		return 1
	}
	return float64(oldCount) / float64(s.lastCohortSize)
}

// CohortSize exposes the most recently realised cohort size (for
// checkpointing / the next rescale computation).
func (s *Sampler) CohortSize() int { return s.lastCohortSize }

// nextUniformProvider draws a provider from the empirical provider
// distribution (one weighted entry per real sender, so providers with
// more users are more likely), then rendezvous-hashes a fresh draw key
// against that provider's cohort members — giving each draw a new,
// hash-stable member assignment rather than a flat uniform pick — and
// falls back to a uniform pick among members if the hash ring is empty
// (spec.md §4.4).
func (s *Sampler) nextUniformProvider() string {
	if len(s.providerWeights) == 0 {
		return s.nextAllSimulation()
	}
	provider := s.providerWeights[s.rng.Intn(len(s.providerWeights))]
	members := s.senderByProvider[provider]
	if len(members) == 0 {
		return s.nextAllSimulation()
	}
	key := fmt.Sprintf("%s-%d", provider, s.rng.Int63())
	if picked := rendezvousPick(key, members); picked != "" {
		return picked
	}
	return members[s.rng.Intn(len(members))]
}

// rendezvousPick hashes key against members with HRW/rendezvous hashing,
// so that repeated draws for the same key always land on the same
// member — the selection strategy behind nextUniformProvider's
// per-provider member pick.
func rendezvousPick(key string, members []string) string {
	if len(members) == 0 {
		return ""
	}
	r := rendezvous.New(members, fnvHash)
	return r.Lookup(key)
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
