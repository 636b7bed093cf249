// Package pki builds the static node-id -> (port, layer, public key) view
// that every component in mixsim treats as read-only after construction
// (spec.md §3 "PKI view").
package pki

import (
	"fmt"
	"sort"
)

// Entry is one node's public PKI record.
type Entry struct {
	ID        string
	Port      int
	Layer     int
	PublicKey []byte
}

// PKI is the immutable, global node directory, plus the per-layer index
// used by path sampling (internal/packetfactory).
type PKI struct {
	ByID    map[string]*Entry
	ByLayer map[int][]*Entry
	Top     int // highest mix layer (providers are layer 0)
}

// New builds the PKI view from a flat list of entries.
func New(entries []*Entry) *PKI {
	p := &PKI{
		ByID:    make(map[string]*Entry, len(entries)),
		ByLayer: make(map[int][]*Entry),
	}
	for _, e := range entries {
		p.ByID[e.ID] = e
		p.ByLayer[e.Layer] = append(p.ByLayer[e.Layer], e)
		if e.Layer > p.Top {
			p.Top = e.Layer
		}
	}
	for _, layerEntries := range p.ByLayer {
		sort.Slice(layerEntries, func(i, j int) bool {
			return layerEntries[i].ID < layerEntries[j].ID
		})
	}
	return p
}

// ProviderID formats a zero-padded provider node id (spec.md §6).
func ProviderID(n int) string { return fmt.Sprintf("p%06d", n) }

// MixID formats a zero-padded mix node id (spec.md §6).
func MixID(n int) string { return fmt.Sprintf("m%06d", n) }

// UserID formats a zero-padded user id (spec.md §6).
func UserID(n int) string { return fmt.Sprintf("u%06d", n) }

// Providers returns layer-0 entries.
func (p *PKI) Providers() []*Entry { return p.ByLayer[0] }

// Size is the number of nodes in the PKI.
func (p *PKI) Size() int { return len(p.ByID) }

// Port looks up a node's UDP port, or 0 if unknown.
func (p *PKI) Port(id string) int {
	if e, ok := p.ByID[id]; ok {
		return e.Port
	}
	return 0
}

// Layer looks up a node's layer, or -1 if unknown.
func (p *PKI) Layer(id string) int {
	if e, ok := p.ByID[id]; ok {
		return e.Layer
	}
	return -1
}

// Build constructs the PKI and port assignments for numProviders layer-0
// nodes and layers*nodesPerLayer mixes, following the same id numbering
// scheme as the teacher's node construction loop (providers first, then
// mixes numbered contiguously from numProviders upward).
func Build(numProviders, layers, nodesPerLayer, basePort int, keyFor func(id string, layer, port int) []byte) *PKI {
	entries := make([]*Entry, 0, numProviders+layers*nodesPerLayer)
	for i := 0; i < numProviders; i++ {
		id := ProviderID(i)
		port := basePort + i
		entries = append(entries, &Entry{
			ID:        id,
			Port:      port,
			Layer:     0,
			PublicKey: keyFor(id, 0, port),
		})
	}
	for layer := 1; layer <= layers; layer++ {
		for n := 0; n < nodesPerLayer; n++ {
			num := (layer-1)*nodesPerLayer + n + numProviders
			id := MixID(num)
			port := basePort + num
			entries = append(entries, &Entry{
				ID:        id,
				Port:      port,
				Layer:     layer,
				PublicKey: keyFor(id, layer, port),
			})
		}
	}
	return New(entries)
}
