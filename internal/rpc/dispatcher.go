package rpc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrNoHandler is returned when no handler is registered for a command.
	ErrNoHandler = errors.New("no handler registered")
	// ErrException is returned when the remote peer answered with an
	// EXCEPTION response.
	ErrException = errors.New("remote exception")
	// ErrShutdown is returned for requests outstanding when the dispatcher
	// shuts down.
	ErrShutdown = errors.New("dispatcher shutdown")
)

// Dispatcher sends requests to peers and correlates their responses, and
// dispatches inbound requests to the registered handlers.
//
// Each outbound exchange holds a connection slot until it resolves. Inbound
// requests are admitted by a rate limiter and handled on a bounded number of
// goroutines.
type Dispatcher struct {
	self      peer.Address
	transport transport.Transport
	handlers  *HandlerTable
	observers *ObserverRegistry

	// pending contains the outstanding requests keyed by message ID.
	pending map[uint32]*pendingRequest
	// mu protects pending.
	mu     sync.Mutex
	nextID uint32

	slots   *semaphore.Weighted
	workers *semaphore.Weighted
	limiter *rate.Limiter

	requestTimeout time.Duration
	version        uint32
	signer         ed25519.PrivateKey

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

func NewDispatcher(self peer.Address, transport transport.Transport, options ...Option) *Dispatcher {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		self:           self,
		transport:      transport,
		handlers:       &HandlerTable{handlers: make(map[handlerKey]Handler)},
		observers:      NewObserverRegistry(),
		pending:        make(map[uint32]*pendingRequest),
		slots:          semaphore.NewWeighted(opts.MaxConnections),
		workers:        semaphore.NewWeighted(opts.MaxConcurrentHandlers),
		limiter:        rate.NewLimiter(opts.InboundRate, opts.InboundBurst),
		requestTimeout: opts.RequestTimeout,
		version:        opts.NetworkVersion,
		signer:         opts.Signer,
		ctx:            ctx,
		cancel:         cancel,
		logger:         opts.Logger,
	}
}

func (d *Dispatcher) Self() peer.Address {
	return d.self
}

func (d *Dispatcher) Observers() *ObserverRegistry {
	return d.observers
}

// PublicKey returns the key outbound messages are signed with, or nil if
// messages are unsigned.
func (d *Dispatcher) PublicKey() ed25519.PublicKey {
	if d.signer == nil {
		return nil
	}
	return d.signer.Public().(ed25519.PublicKey)
}

// Start begins reading packets from the transport and dispatching requests
// to the given handlers. Must be called once.
func (d *Dispatcher) Start(handlers *HandlerTable) {
	if handlers != nil {
		d.handlers = handlers
	}

	d.wg.Add(1)
	go d.receiveLoop()
}

// Shutdown stops the receive loop, fails any outstanding requests and waits
// for running handlers to complete. Note this does not close the transport.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}

// NewRequest returns a request from this peer to recipient.
func (d *Dispatcher) NewRequest(recipient peer.Address, command message.Command, t message.Type) *message.Message {
	return message.NewRequest(d.self, recipient, command, t, d.version)
}

// SendRequest sends a request and waits for its response. The request
// resolves exactly once: with the response, a timeout, or a failure. On a
// timeout or send failure the recipient is reported as failed.
//
// A response of type EXCEPTION is returned along with ErrException.
func (d *Dispatcher) SendRequest(ctx context.Context, req *message.Message) (*message.Message, error) {
	if req.IsFireAndForget() {
		return nil, fmt.Errorf("%w: %s expects no response", message.ErrInvalidType, req.Type)
	}

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire connection slot: %w", err)
	}

	d.prepare(req)
	p := newPendingRequest(req, func() {
		d.slots.Release(1)
	})
	defer p.releaseSlot()

	b, err := message.Encode(req, d.signer)
	if err != nil {
		p.transition(stateCreated, stateFailed)
		return nil, fmt.Errorf("encode %s: %w", req.Command, err)
	}

	d.mu.Lock()
	d.pending[req.ID] = p
	d.mu.Unlock()
	defer d.removePending(req.ID)

	// Mark as sent before writing as the response may arrive before
	// WriteTo returns.
	p.transition(stateCreated, stateSent)

	logger := d.logger.With(zap.Object("request", req))
	logger.Debug("sending request")

	if err := d.transport.WriteTo(b, req.Recipient.Addr); err != nil {
		if p.transition(stateSent, stateFailed) {
			logger.Debug("failed to send request", zap.Error(err))
			d.observers.PeerFailed(req.Recipient, false)
			return nil, fmt.Errorf("send %s: %w", req.Command, err)
		}
	}

	timer := time.NewTimer(d.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-p.responseCh:
		return checkResponse(resp)
	case <-timer.C:
		if p.transition(stateSent, stateTimedOut) {
			logger.Debug("request timed out")
			d.observers.PeerFailed(req.Recipient, false)
			return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, req.Command, req.Recipient)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if p.transition(stateSent, stateTimedOut) {
				d.observers.PeerFailed(req.Recipient, false)
				return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, req.Command, req.Recipient)
			}
		} else if p.transition(stateSent, stateFailed) {
			return nil, ctx.Err()
		}
	case <-d.ctx.Done():
		if p.transition(stateSent, stateFailed) {
			return nil, ErrShutdown
		}
	}

	// Lost the race to a response, which has been or is about to be
	// delivered.
	return checkResponse(<-p.responseCh)
}

// SendFireAndForget sends a request that gets no response. Returns once the
// request has been written.
func (d *Dispatcher) SendFireAndForget(ctx context.Context, req *message.Message) error {
	if !req.IsFireAndForget() {
		return fmt.Errorf("%w: %s expects a response", message.ErrInvalidType, req.Type)
	}

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire connection slot: %w", err)
	}
	defer d.slots.Release(1)

	d.prepare(req)
	b, err := message.Encode(req, d.signer)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Command, err)
	}

	d.logger.Debug("sending fire-and-forget request", zap.Object("request", req))
	if err := d.transport.WriteTo(b, req.Recipient.Addr); err != nil {
		d.observers.PeerFailed(req.Recipient, false)
		return fmt.Errorf("send %s: %w", req.Command, err)
	}
	return nil
}

func (d *Dispatcher) prepare(req *message.Message) {
	req.ID = atomic.AddUint32(&d.nextID, 1)
	req.Sender = d.self
	req.Version = d.version
}

func (d *Dispatcher) removePending(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, id)
}

func (d *Dispatcher) pendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

func (d *Dispatcher) receiveLoop() {
	defer d.wg.Done()

	for {
		select {
		case packet, ok := <-d.transport.PacketCh():
			if !ok {
				return
			}
			d.handlePacket(packet)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handlePacket(packet *transport.Packet) {
	m, err := message.Decode(packet.Buf)
	if err != nil {
		d.logger.Warn(
			"failed to decode message",
			zap.String("from", packet.From.String()),
			zap.Error(err),
		)
		return
	}
	if m.Version != d.version {
		d.logger.Debug(
			"dropping message from another network",
			zap.Object("message", m),
			zap.Uint32("version", m.Version),
		)
		return
	}

	if !m.IsRequest() {
		d.handleResponse(m)
		return
	}

	if !d.limiter.Allow() {
		d.logger.Warn("inbound rate exceeded", zap.Object("request", m))
		if !m.IsFireAndForget() {
			d.reply(m.Response(message.TypeDenied), m, packet.From)
		}
		return
	}

	// Blocks reading further packets while every worker is busy.
	if err := d.workers.Acquire(d.ctx, 1); err != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.workers.Release(1)

		d.handleRequest(m, packet.From)
	}()
}

func (d *Dispatcher) handleResponse(resp *message.Message) {
	d.mu.Lock()
	p, ok := d.pending[resp.ID]
	if ok && !matchesRequest(p.req, resp) {
		ok = false
	}
	if ok {
		delete(d.pending, resp.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("dropping uncorrelated response", zap.Object("response", resp))
		return
	}

	d.observers.PeerFound(resp.Sender, nil)
	if !p.respond(resp) {
		d.logger.Debug("dropping late response", zap.Object("response", resp))
	}
}

func (d *Dispatcher) handleRequest(req *message.Message, from net.Addr) {
	logger := d.logger.With(zap.Object("request", req))
	logger.Debug("received request")

	// A quitting peer is removed by the quit handler so must not be added
	// back.
	if req.Command != message.CommandQuit {
		d.observers.PeerFound(req.Sender, nil)
	}

	if err := message.CheckPayload(req); err != nil {
		logger.Warn("rejecting invalid request", zap.Error(err))
		if !req.IsFireAndForget() {
			d.reply(req.Response(message.TypeException), req, from)
		}
		return
	}

	resp, err := d.invoke(req)
	if err != nil {
		// Only a failing handler makes the sender suspect. A command with no
		// handler is not the sender's fault.
		if errors.Is(err, ErrNoHandler) {
			logger.Warn("no handler for request", zap.Error(err))
		} else {
			logger.Error("failed to handle request", zap.Error(err))
			d.observers.PeerFailed(req.Sender, false)
		}
		if !req.IsFireAndForget() {
			d.reply(req.Response(message.TypeException), req, from)
		}
		return
	}

	if req.IsFireAndForget() {
		return
	}
	if resp == nil {
		resp = req.Response(message.TypeOK)
	}
	d.reply(resp, req, from)
}

// invoke calls the handler registered for the request, converting a panic
// into an error.
func (d *Dispatcher) invoke(req *message.Message) (resp *message.Message, err error) {
	peerID := req.Recipient.ID
	// A request to an unknown peer, such as when bootstrapping, is
	// addressed only by network address.
	if peerID.IsZero() {
		peerID = d.self.ID
	}
	h, ok := d.handlers.Lookup(peerID, req.Command)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Command)
	}

	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(d.ctx, req)
}

func (d *Dispatcher) reply(resp *message.Message, req *message.Message, from net.Addr) {
	resp.ID = req.ID
	resp.Version = d.version
	resp.Sender = d.self
	resp.Recipient = req.Sender

	addr := req.Sender.Addr
	if addr == "" && from != nil {
		addr = from.String()
	}

	b, err := message.Encode(resp, d.signer)
	if err != nil {
		d.logger.Error("failed to encode response", zap.Object("response", resp), zap.Error(err))
		return
	}
	if err := d.transport.WriteTo(b, addr); err != nil {
		d.logger.Debug("failed to send response", zap.Object("response", resp), zap.Error(err))
	}
}

// matchesRequest checks resp is a response to req: the same command and, if
// the recipient ID was known, from the peer the request was sent to.
func matchesRequest(req *message.Message, resp *message.Message) bool {
	if req.Command != resp.Command {
		return false
	}
	if !req.Recipient.ID.IsZero() && req.Recipient.ID != resp.Sender.ID {
		return false
	}
	return true
}

func checkResponse(resp *message.Message) (*message.Message, error) {
	if resp.Type == message.TypeException {
		return resp, fmt.Errorf("%w: %s from %s", ErrException, resp.Command, resp.Sender)
	}
	return resp, nil
}
