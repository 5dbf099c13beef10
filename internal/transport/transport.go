package transport

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrNoRoute is returned when writing to an address with no listener.
	ErrNoRoute = errors.New("no route to peer")
	// ErrShutdown is returned when writing to a transport that has been
	// shutdown.
	ErrShutdown = errors.New("transport shutdown")
)

// Packet is a single datagram received from a peer.
type Packet struct {
	// Buf has the raw contents of the packet, which is an encoded message.
	Buf []byte

	// From is the network address the packet was sent from. Note this may
	// differ from the address the sender advertises in the message, such as
	// when the sender is bound to a wildcard address.
	From net.Addr

	// Timestamp is the time the packet was received.
	Timestamp time.Time
}

// Transport is a best-effort packet oriented transport used to exchange
// messages with peers. Delivery and ordering are not guaranteed, so
// request/response correlation and timeouts are left to the caller.
type Transport interface {
	// WriteTo sends the payload to the given address in a connectionless
	// fashion. Returns once the packet has been handed to the network.
	WriteTo(b []byte, addr string) error

	// PacketCh returns a channel that can be read to receive incoming
	// packets. The channel is closed once the transport is shutdown.
	PacketCh() <-chan *Packet

	// BindAddr returns the address the transport listener is bound to. Note
	// this may be different from the configured bind addr if the system
	// chooses the addr (such as using a port of 0).
	BindAddr() string

	// Shutdown closes the listener and stops delivering packets.
	Shutdown() error
}
