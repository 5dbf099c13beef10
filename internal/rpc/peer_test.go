package rpc

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/andydunstall/kadstore/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePeer wires every handler to a dispatcher on a mock network.
type fakePeer struct {
	Addr       peer.Address
	Key        ed25519.PrivateKey
	Transport  *transport.MockTransport
	Dispatcher *Dispatcher
	PeerMap    *peer.Map
	Storage    *storage.Layer
	Listener   *recordingListener

	StorageRPC    *StorageRPC
	NeighborRPC   *NeighborRPC
	PingRPC       *PingRPC
	QuitRPC       *QuitRPC
	DirectDataRPC *DirectDataRPC
	BroadcastRPC  *BroadcastRPC
}

type fakePeerOptions struct {
	reply       DirectReply
	onBroadcast BroadcastHandler
	options     []Option
}

type fakePeerOption func(*fakePeerOptions)

func withReply(reply DirectReply) fakePeerOption {
	return func(opts *fakePeerOptions) {
		opts.reply = reply
	}
}

func withOnBroadcast(cb BroadcastHandler) fakePeerOption {
	return func(opts *fakePeerOptions) {
		opts.onBroadcast = cb
	}
}

func withDispatcherOptions(options ...Option) fakePeerOption {
	return func(opts *fakePeerOptions) {
		opts.options = append(opts.options, options...)
	}
}

func newFakePeer(t *testing.T, net *transport.MockNetwork, name string, options ...fakePeerOption) *fakePeer {
	opts := &fakePeerOptions{}
	for _, opt := range options {
		opt(opts)
	}

	seed := number.HashString(name)
	key := ed25519.NewKeyFromSeed(append(seed[:], make([]byte, ed25519.SeedSize-number.IDLen)...))

	tr := net.NewTransport()
	addr := peer.NewAddress(number.HashString(name), tr.BindAddr())
	logger := zap.NewNop()

	dispatcherOptions := []Option{
		WithSigner(key),
		WithRequestTimeout(time.Second),
		WithLogger(logger),
	}
	dispatcherOptions = append(dispatcherOptions, opts.options...)
	dispatcher := NewDispatcher(addr, tr, dispatcherOptions...)

	peerMap := peer.NewMap(addr, peer.DefaultMaxFailures, nil, nil, logger)
	dispatcher.Observers().Add(peerMap)
	listener := newRecordingListener()
	dispatcher.Observers().Add(listener)

	layer := storage.NewLayer(storage.NewMemoryBackend(), storage.WithLogger(logger))
	factory := bloom.DefaultFactory()

	p := &fakePeer{
		Addr:          addr,
		Key:           key,
		Transport:     tr,
		Dispatcher:    dispatcher,
		PeerMap:       peerMap,
		Storage:       layer,
		Listener:      listener,
		StorageRPC:    NewStorageRPC(dispatcher, layer, factory, logger),
		NeighborRPC:   NewNeighborRPC(dispatcher, peerMap, layer, factory, logger),
		PingRPC:       NewPingRPC(dispatcher),
		QuitRPC:       NewQuitRPC(dispatcher, logger),
		DirectDataRPC: NewDirectDataRPC(dispatcher, opts.reply),
		BroadcastRPC:  NewBroadcastRPC(dispatcher, peerMap, opts.onBroadcast, logger),
	}

	table, err := NewHandlerTable(
		Registration{PeerID: addr.ID, Handler: p.StorageRPC},
		Registration{PeerID: addr.ID, Handler: p.NeighborRPC},
		Registration{PeerID: addr.ID, Handler: p.PingRPC},
		Registration{PeerID: addr.ID, Handler: p.QuitRPC},
		Registration{PeerID: addr.ID, Handler: p.DirectDataRPC},
		Registration{PeerID: addr.ID, Handler: p.BroadcastRPC},
	)
	require.NoError(t, err)
	dispatcher.Start(table)

	t.Cleanup(func() {
		dispatcher.Shutdown()
		tr.Shutdown()
	})
	return p
}

func (p *fakePeer) PublicKey() ed25519.PublicKey {
	return p.Key.Public().(ed25519.PublicKey)
}

// recordingListener records peer status notifications.
type recordingListener struct {
	found  []peer.Address
	failed []peer.Address
	fatal  []bool

	mu sync.Mutex
}

func newRecordingListener() *recordingListener {
	return &recordingListener{}
}

func (l *recordingListener) PeerFound(addr peer.Address, _ *peer.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.found = append(l.found, addr)
	return true
}

func (l *recordingListener) PeerFailed(addr peer.Address, fatal bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failed = append(l.failed, addr)
	l.fatal = append(l.fatal, fatal)
	return true
}

func (l *recordingListener) Failed() []peer.Address {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]peer.Address(nil), l.failed...)
}

func (l *recordingListener) Fatal() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]bool(nil), l.fatal...)
}

func testKey(content string) number.Key {
	return number.NewKey(
		number.HashString("loc1"),
		number.HashString("dom1"),
		number.HashString(content),
		number.Zero,
	)
}
