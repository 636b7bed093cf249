// Package transport implements SocketTransport: one UDP socket per node,
// bound to 127.0.0.1:base_port+numeric(id), plus a sentinel-terminated
// receive loop (spec.md §4.5). It carries no simulation state — it only
// drains sockets and recognises termination, mirroring node.py's
// `listener()` translated from Python's blocking AF_INET/SOCK_DGRAM
// recvfrom loop onto Go's net.ListenUDP/ReadFromUDP (a deliberate
// REDESIGN FLAG: UDP not TCP, per spec.md §4.5/§6).
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/op/go-logging"

	"github.com/loopix-lab/mixsim/internal/pki"
)

// Sentinel is the payload that tells a node's listener to stop
// (spec.md §4.5: `"TERMINATE_SIMULATION"`).
const Sentinel = "TERMINATE_SIMULATION"

// ErrUnknownNode is returned when Send/Terminate target an id absent
// from the PKI.
var ErrUnknownNode = errors.New("transport: unknown node")

// Transport owns one UDP socket per PKI node and the goroutines that
// drain them (spec.md §5: "parallel OS threads but carry no simulation
// state").
type Transport struct {
	pki      *pki.PKI
	datagram int
	log      *logging.Logger

	mu    sync.Mutex
	conns map[string]*net.UDPConn

	wg sync.WaitGroup
}

// New creates a Transport. datagramSize should be
// `params.max_len + params.m + add_buffer` per spec.md §4.5, sized
// generously enough to hold any packed Sphinx message this run produces.
func New(p *pki.PKI, datagramSize int, log *logging.Logger) *Transport {
	return &Transport{pki: p, datagram: datagramSize, log: log, conns: make(map[string]*net.UDPConn)}
}

// Listen binds every node in the PKI to 127.0.0.1:port and starts one
// listener goroutine per node, invoking onDatagram for every
// non-sentinel payload received. Call Close to tear all of them down.
func (t *Transport) Listen(onDatagram func(nodeID string, payload []byte)) error {
	for id, entry := range t.pki.ByID {
		addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: entry.Port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("transport: listen %s on :%d: %w", id, entry.Port, err)
		}
		t.mu.Lock()
		t.conns[id] = conn
		t.mu.Unlock()

		t.wg.Add(1)
		go t.listenOne(id, conn, onDatagram)
	}
	return nil
}

func (t *Transport) listenOne(nodeID string, conn *net.UDPConn, onDatagram func(string, []byte)) {
	defer t.wg.Done()
	buf := make([]byte, t.datagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := buf[:n]
		if string(payload) == Sentinel {
			return
		}
		if onDatagram != nil {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			onDatagram(nodeID, cp)
		}
	}
}

// Send emits payload to nodeID's port over UDP. Failures are absorbed:
// the simulation continues and the packet is treated as lost at the wire
// (spec.md §7 TransportError).
func (t *Transport) Send(nodeID string, payload []byte) error {
	entry, ok := t.pki.ByID[nodeID]
	if !ok {
		if t.log != nil {
			t.log.Warningf("transport: send to unknown node %s dropped", nodeID)
		}
		return ErrUnknownNode
	}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: entry.Port}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		if t.log != nil {
			t.log.Warningf("transport: dial %s: %v", nodeID, err)
		}
		return nil
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil && t.log != nil {
		t.log.Warningf("transport: write to %s: %v", nodeID, err)
	}
	return nil
}

// Terminate sends the sentinel to nodeID exactly once.
func (t *Transport) Terminate(nodeID string) error {
	return t.Send(nodeID, []byte(Sentinel))
}

// Close waits for every listener goroutine to exit (call Terminate on
// every node first).
func (t *Transport) Close() {
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
}
