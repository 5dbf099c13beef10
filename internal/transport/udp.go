package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// udpPacketBufSize is used to buffer incoming packets during read
	// operations. Must fit the largest datagram.
	udpPacketBufSize = 65536
)

// UDPTransport is a Transport implementation using UDP.
type UDPTransport struct {
	conn     *net.UDPConn
	packetCh chan *Packet
	done     chan struct{}
	wg       sync.WaitGroup
	shutdown int32
	logger   *zap.Logger
}

// NewUDPTransport returns a new UDP transport listening on the given addr.
func NewUDPTransport(bindAddr string, logger *zap.Logger) (*UDPTransport, error) {
	conn, err := udpListen(bindAddr)
	if err != nil {
		return nil, err
	}

	t := &UDPTransport{
		conn:     conn,
		packetCh: make(chan *Packet, 64),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("bind-addr", conn.LocalAddr().String())),
	}

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

func (t *UDPTransport) WriteTo(b []byte, addr string) error {
	if atomic.LoadInt32(&t.shutdown) == 1 {
		return ErrShutdown
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoRoute, addr, err)
	}
	if _, err = t.conn.WriteTo(b, udpAddr); err != nil {
		// If we've been shutdown ignore the error.
		if atomic.LoadInt32(&t.shutdown) == 1 {
			return ErrShutdown
		}
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

func (t *UDPTransport) PacketCh() <-chan *Packet {
	return t.packetCh
}

func (t *UDPTransport) BindAddr() string {
	return t.conn.LocalAddr().String()
}

func (t *UDPTransport) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&t.shutdown, 0, 1) {
		return nil
	}

	close(t.done)
	// Closing the conn unblocks the read loop.
	err := t.conn.Close()
	t.wg.Wait()
	close(t.packetCh)
	return err
}

// readLoop is a long running goroutine that accepts incoming UDP packets and
// hands them off to the packet channel.
func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	for {
		// Do a blocking read into a fresh buffer, since the buffer is owned
		// by the packet once delivered.
		buf := make([]byte, udpPacketBufSize)
		n, addr, err := t.conn.ReadFrom(buf)
		ts := time.Now()
		if err != nil {
			if atomic.LoadInt32(&t.shutdown) == 1 {
				return
			}

			t.logger.Error("failed to read from transport", zap.Error(err))
			continue
		}

		if n < 1 {
			t.logger.Warn("received packet too small", zap.Int("size", n))
			continue
		}

		select {
		case t.packetCh <- &Packet{
			Buf:       buf[:n],
			From:      addr,
			Timestamp: ts,
		}:
		case <-t.done:
			return
		}
	}
}

func udpListen(bindAddr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start UDP listener on %s: %v", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start UDP listener on %s: %v", bindAddr, err)
	}
	return conn, nil
}
