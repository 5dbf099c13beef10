package kadstore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/digest"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/rpc"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/andydunstall/kadstore/internal/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSeeds = errors.New("no seeds reachable")
)

// Peer is a member of the DHT. It stores entries for other peers, answers
// neighbor lookups from its routing table and sends requests to other peers.
// This is thread safe.
type Peer struct {
	self       peer.Address
	privateKey ed25519.PrivateKey

	transport  transport.Transport
	dispatcher *rpc.Dispatcher
	peerMap    *peer.Map
	storage    *storage.Layer

	storageRPC    *rpc.StorageRPC
	neighborRPC   *rpc.NeighborRPC
	pingRPC       *rpc.PingRPC
	quitRPC       *rpc.QuitRPC
	directDataRPC *rpc.DirectDataRPC
	broadcastRPC  *rpc.BroadcastRPC

	storageCheckInterval time.Duration
	bootstrapTimeout     time.Duration
	requestTimeout       time.Duration

	done         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	logger *zap.Logger
}

// Create will create a new peer with an ID derived from id, listening on
// addr. This will start listening on the network so other peers can contact
// it, though it will not join the network until Bootstrap is called or
// another peer contacts it.
func Create(id string, addr string, options ...Option) (*Peer, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}

	p, err := newPeer(id, addr, opts)
	if err != nil {
		return nil, err
	}
	p.schedule()
	return p, nil
}

// ID returns the identifier of this peer.
func (p *Peer) ID() ID {
	return p.self.ID
}

// Address returns the identifier and bound address of this peer.
func (p *Peer) Address() Address {
	return p.self
}

// BindAddr returns the address the transport listener is bound to. Note
// this may be different from the configured bind addr if the system chooses
// the addr (such as using a port of 0).
func (p *Peer) BindAddr() string {
	return p.transport.BindAddr()
}

// PublicKey returns the key this peer signs messages with.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.privateKey.Public().(ed25519.PublicKey)
}

// Peers returns the peers in the routing table (excluding ourselves).
func (p *Peer) Peers() []Address {
	return p.peerMap.All()
}

// ClosePeers returns up to n known peers closest to target, ordered by
// distance.
func (p *Peer) ClosePeers(target ID, n int) []Address {
	return p.peerMap.ClosePeers(target, n)
}

// Local returns the store of this peer.
func (p *Peer) Local() *storage.Layer {
	return p.storage
}

// Bootstrap joins the network through the given seed addresses. Each seed is
// pinged, retrying with backoff until BootstrapTimeout, then every reachable
// seed is asked for the peers closest to this peer. Succeeds if at least one
// seed was reached.
func (p *Peer) Bootstrap(ctx context.Context, seeds []string) error {
	ctx, cancel := context.WithTimeout(ctx, p.bootstrapTimeout)
	defer cancel()

	var reached []string
	var errs error
	for _, seed := range seeds {
		// Ignore ourselves.
		if seed == p.BindAddr() {
			continue
		}

		if err := p.pingSeed(ctx, seed); err != nil {
			p.logger.Warn("failed to reach seed", zap.String("seed", seed), zap.Error(err))
			errs = multierror.Append(errs, fmt.Errorf("seed %s: %w", seed, err))
			continue
		}
		reached = append(reached, seed)
	}
	if len(reached) == 0 {
		if errs == nil {
			return ErrNoSeeds
		}
		return fmt.Errorf("%w: %s", ErrNoSeeds, errs)
	}

	p.logger.Debug("seeds reached", zap.Strings("seeds", reached))

	// Look up our own ID to populate the routing table with our neighbors
	// and announce ourselves to them.
	if _, err := p.CloseNeighborsAll(ctx, SearchValues{Location: p.self.ID}, DigestNone); err != nil {
		p.logger.Warn("failed to look up neighbors", zap.Error(err))
	}
	return nil
}

// pingSeed pings a seed whose ID is not yet known, retrying with exponential
// backoff.
func (p *Peer) pingSeed(ctx context.Context, seed string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = p.bootstrapTimeout

	return backoff.Retry(func() error {
		// A zero ID addresses whichever peer listens on the seed address.
		err := p.pingRPC.Ping(ctx, peer.NewAddress(number.Zero, seed))
		if errors.Is(err, rpc.ErrShutdown) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// Put stores the entries on remote.
func (p *Peer) Put(ctx context.Context, remote Address, dataMap DataMap, opts PutOptions) (*StatusResult, error) {
	return p.storageRPC.Put(ctx, remote, dataMap, opts)
}

// PutIfAbsent stores only the entries that do not already exist on remote.
func (p *Peer) PutIfAbsent(ctx context.Context, remote Address, dataMap DataMap) (*StatusResult, error) {
	return p.storageRPC.Put(ctx, remote, dataMap, PutOptions{PutIfAbsent: true})
}

// Add adds the entries on remote. In list mode each value is stored under a
// fresh content key.
func (p *Peer) Add(ctx context.Context, remote Address, dataMap DataMap, opts AddOptions) (*StatusResult, error) {
	return p.storageRPC.Add(ctx, remote, dataMap, opts)
}

// Remove removes the entries selected by q on remote.
func (p *Peer) Remove(ctx context.Context, remote Address, q Query) (*StatusResult, error) {
	return p.storageRPC.Remove(ctx, remote, q)
}

// RemoveReturn removes the entries selected by q on remote and returns them.
func (p *Peer) RemoveReturn(ctx context.Context, remote Address, q Query) (DataMap, error) {
	return p.storageRPC.RemoveReturn(ctx, remote, q)
}

// Get returns the entries selected by q from remote.
func (p *Peer) Get(ctx context.Context, remote Address, q Query) (DataMap, error) {
	return p.storageRPC.Get(ctx, remote, q)
}

// Digest returns a digest of the entries selected by q on remote.
func (p *Peer) Digest(ctx context.Context, remote Address, q Query) (*digest.Info, error) {
	return p.storageRPC.Digest(ctx, remote, q)
}

// DigestBloomFilter returns the content keys and value hashes of the entries
// selected by q on remote as bloom filters.
func (p *Peer) DigestBloomFilter(ctx context.Context, remote Address, q Query) (*bloom.Filter, *bloom.Filter, error) {
	return p.storageRPC.DigestBloomFilter(ctx, remote, q)
}

// DigestMetaValues returns the entries selected by q on remote without their
// values.
func (p *Peer) DigestMetaValues(ctx context.Context, remote Address, q Query) (DataMap, error) {
	return p.storageRPC.DigestMetaValues(ctx, remote, q)
}

// PutMeta updates the metadata of existing entries on remote.
func (p *Peer) PutMeta(ctx context.Context, remote Address, dataMap DataMap) (*StatusResult, error) {
	return p.storageRPC.PutMeta(ctx, remote, dataMap)
}

// PutDomainMeta transfers a domain this peer owns on remote to
// newPublicKey.
func (p *Peer) PutDomainMeta(ctx context.Context, remote Address, location ID, domain ID, newPublicKey ed25519.PublicKey) (*StatusResult, error) {
	return p.storageRPC.PutDomainMeta(ctx, remote, number.DomainKey{Location: location, Domain: domain}, newPublicKey)
}

// PutConfirm commits entries previously put as prepared on remote.
func (p *Peer) PutConfirm(ctx context.Context, remote Address, dataMap DataMap) (*StatusResult, error) {
	return p.storageRPC.PutConfirm(ctx, remote, dataMap)
}

// PutReject discards entries previously put as prepared on remote.
func (p *Peer) PutReject(ctx context.Context, remote Address, keys []Key) (*StatusResult, error) {
	return p.storageRPC.PutReject(ctx, remote, keys)
}

// GetLatest returns the latest versions of an entry on remote. More than
// one version means the history has forked. If withDigest a digest of every
// version is also returned.
func (p *Peer) GetLatest(ctx context.Context, remote Address, location ID, domain ID, content ID, withDigest bool) (DataMap, *digest.Info, error) {
	key := number.EntryKey{Location: location, Domain: domain, Content: content}
	return p.storageRPC.GetLatest(ctx, remote, key, withDigest)
}

// CloseNeighbors asks remote for the peers closest to sv.Location. Since
// remote is itself a candidate it is included in the returned neighbors,
// which are ordered by distance to sv.Location.
func (p *Peer) CloseNeighbors(ctx context.Context, remote Address, sv SearchValues, mode DigestMode) (*NeighborResult, error) {
	result, err := p.neighborRPC.CloseNeighbors(ctx, remote, sv, mode)
	if err != nil {
		return nil, err
	}

	neighbors := make([]Address, 0, len(result.Neighbors)+1)
	neighbors = append(neighbors, remote)
	for _, neighbor := range result.Neighbors {
		if neighbor.ID != remote.ID {
			neighbors = append(neighbors, neighbor)
		}
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return number.CloserTo(sv.Location, neighbors[i].ID, neighbors[j].ID)
	})
	result.Neighbors = neighbors
	return result, nil
}

// CloseNeighborsAll sends CloseNeighbors to the known peers closest to
// sv.Location in parallel. Returns the results of the peers that responded,
// keyed by peer ID, or an error if none did.
func (p *Peer) CloseNeighborsAll(ctx context.Context, sv SearchValues, mode DigestMode) (map[ID]*NeighborResult, error) {
	targets := p.peerMap.ClosePeers(sv.Location, rpc.NeighborSize)
	if len(targets) == 0 {
		return map[ID]*NeighborResult{}, nil
	}

	results := make(map[ID]*NeighborResult, len(targets))
	var errs error
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			result, err := p.CloseNeighbors(ctx, target, sv, mode)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("peer %s: %w", target, err))
				return nil
			}
			results[target.ID] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return nil, errs
	}
	return results, nil
}

// Ping checks remote is reachable.
func (p *Peer) Ping(ctx context.Context, remote Address) error {
	return p.pingRPC.Ping(ctx, remote)
}

// SendDirect sends b to remote and returns its reply.
func (p *Peer) SendDirect(ctx context.Context, remote Address, b []byte) ([]byte, error) {
	return p.directDataRPC.Send(ctx, remote, b)
}

// SendDirectFireAndForget sends b to remote without waiting for a reply.
func (p *Peer) SendDirectFireAndForget(ctx context.Context, remote Address, b []byte) error {
	return p.directDataRPC.SendFireAndForget(ctx, remote, b)
}

// Broadcast floods dataMap through the network and returns the key
// identifying the message.
func (p *Peer) Broadcast(ctx context.Context, dataMap DataMap) (ID, error) {
	id := uuid.New()
	messageKey := number.Hash(id[:])
	if err := p.broadcastRPC.Broadcast(ctx, messageKey, dataMap); err != nil {
		return messageKey, err
	}
	return messageKey, nil
}

// Shutdown tells the known peers this peer is leaving then closes all
// background networking.
func (p *Peer) Shutdown() error {
	var errs error
	p.shutdownOnce.Do(func() {
		p.logger.Debug("shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
		for _, addr := range p.peerMap.All() {
			if err := p.quitRPC.Quit(ctx, addr); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("quit %s: %w", addr, err))
			}
		}
		cancel()

		close(p.done)
		p.wg.Wait()

		p.dispatcher.Shutdown()
		if err := p.transport.Shutdown(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("transport: %w", err))
		}
	})
	return errs
}

func newPeer(id string, addr string, opts *Options) (*Peer, error) {
	privateKey := opts.PrivateKey
	if privateKey == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		privateKey = key
	}

	t := opts.Transport
	if t == nil {
		udp, err := transport.NewUDPTransport(addr, opts.Logger)
		if err != nil {
			opts.Logger.Error("failed to start transport", zap.Error(err))
			return nil, err
		}
		t = udp
	}

	// Note use transport bind addr not configured bind addr as these may be
	// different if the system assigns the port.
	self := peer.NewAddress(number.HashString(id), t.BindAddr())
	logger := opts.Logger.With(zap.String("peer", self.ID.String()))

	logger.Debug("transport started", zap.String("addr", t.BindAddr()))

	dispatcher := rpc.NewDispatcher(
		self,
		t,
		rpc.WithRequestTimeout(opts.RequestTimeout),
		rpc.WithMaxConnections(opts.MaxConnections),
		rpc.WithMaxConcurrentHandlers(opts.MaxConcurrentHandlers),
		rpc.WithInboundRate(opts.InboundRate, opts.InboundBurst),
		rpc.WithNetworkVersion(opts.NetworkVersion),
		rpc.WithSigner(privateKey),
		rpc.WithLogger(logger),
	)

	peerMap := peer.NewMap(self, opts.MaxFailures, opts.OnJoin, opts.OnLeave, logger)
	dispatcher.Observers().Add(peerMap)

	layer := storage.NewLayer(
		storage.NewMemoryBackend(),
		storage.WithProtection(opts.Protection),
		storage.WithMaxVersions(opts.MaxVersions),
		storage.WithMaxEntries(opts.MaxEntries),
		storage.WithLogger(logger),
	)

	var onBroadcast rpc.BroadcastHandler
	if opts.OnBroadcast != nil {
		onBroadcast = rpc.BroadcastHandler(opts.OnBroadcast)
	}

	p := &Peer{
		self:                 self,
		privateKey:           privateKey,
		transport:            t,
		dispatcher:           dispatcher,
		peerMap:              peerMap,
		storage:              layer,
		storageRPC:           rpc.NewStorageRPC(dispatcher, layer, opts.BloomFactory, logger),
		neighborRPC:          rpc.NewNeighborRPC(dispatcher, peerMap, layer, opts.BloomFactory, logger),
		pingRPC:              rpc.NewPingRPC(dispatcher),
		quitRPC:              rpc.NewQuitRPC(dispatcher, logger),
		directDataRPC:        rpc.NewDirectDataRPC(dispatcher, opts.DirectReply),
		broadcastRPC:         rpc.NewBroadcastRPC(dispatcher, peerMap, onBroadcast, logger),
		storageCheckInterval: opts.StorageCheckInterval,
		bootstrapTimeout:     opts.BootstrapTimeout,
		requestTimeout:       opts.RequestTimeout,
		done:                 make(chan struct{}),
		logger:               logger,
	}

	table, err := rpc.NewHandlerTable(
		rpc.Registration{PeerID: self.ID, Handler: p.storageRPC},
		rpc.Registration{PeerID: self.ID, Handler: p.neighborRPC},
		rpc.Registration{PeerID: self.ID, Handler: p.pingRPC},
		rpc.Registration{PeerID: self.ID, Handler: p.quitRPC},
		rpc.Registration{PeerID: self.ID, Handler: p.directDataRPC},
		rpc.Registration{PeerID: self.ID, Handler: p.broadcastRPC},
	)
	if err != nil {
		t.Shutdown()
		return nil, err
	}
	dispatcher.Start(table)

	return p, nil
}

func (p *Peer) schedule() {
	p.wg.Add(1)
	go p.storageLoop()
}

// storageLoop periodically removes expired entries.
func (p *Peer) storageLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.storageCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.storage.CheckTimeout()
		case <-p.done:
			return
		}
	}
}
