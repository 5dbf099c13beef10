package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// MockNetwork is used as a factory that produces MockTransport instances which
// are uniquely addressed and wired up to talk to each other in memory.
//
// Note this is thread safe.
type MockNetwork struct {
	transports map[string]*MockTransport
	// dropped contains addresses whose inbound packets are silently
	// discarded, to simulate an unresponsive peer.
	dropped  map[string]struct{}
	nextPort int

	// mu protects the above fields.
	mu sync.Mutex
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		transports: make(map[string]*MockTransport),
		dropped:    make(map[string]struct{}),
		nextPort:   20000,
	}
}

func (n *MockNetwork) NewTransport() *MockTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", n.nextPort)
	n.nextPort++
	transport := &MockTransport{
		net:      n,
		bindAddr: addr,
		// Add a buffer so sending doesn't block.
		packetCh: make(chan *Packet, 1024),
	}
	n.transports[addr] = transport
	return transport
}

// Drop discards all packets sent to addr until Restore is called. Writes
// still succeed.
func (n *MockNetwork) Drop(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.dropped[addr] = struct{}{}
}

func (n *MockNetwork) Restore(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.dropped, addr)
}

func (n *MockNetwork) deliver(from string, addr string, b []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	dest, ok := n.transports[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, addr)
	}
	if _, ok := n.dropped[addr]; ok {
		return nil
	}

	// Copy since the caller may reuse the buffer.
	buf := append([]byte(nil), b...)
	select {
	case dest.packetCh <- &Packet{
		Buf:       buf,
		From:      &MockAddress{addr: from},
		Timestamp: time.Now(),
	}:
	default:
		// Full buffer behaves like a lost datagram.
	}
	return nil
}

// MockAddress is a wrapper which adds the net.Addr interface to our mock
// address scheme.
type MockAddress struct {
	addr string
}

func (a *MockAddress) Network() string {
	return "mock"
}

func (a *MockAddress) String() string {
	return a.addr
}

type MockTransport struct {
	net      *MockNetwork
	packetCh chan *Packet
	bindAddr string
}

func (t *MockTransport) WriteTo(b []byte, addr string) error {
	return t.net.deliver(t.bindAddr, addr, b)
}

func (t *MockTransport) PacketCh() <-chan *Packet {
	return t.packetCh
}

func (t *MockTransport) BindAddr() string {
	return t.bindAddr
}

// Shutdown removes the transport from the network. The packet channel is
// closed under the network lock so no delivery races with the close.
func (t *MockTransport) Shutdown() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if _, ok := t.net.transports[t.bindAddr]; !ok {
		return nil
	}
	delete(t.net.transports, t.bindAddr)
	close(t.packetCh)
	return nil
}

var _ net.Addr = &MockAddress{}
