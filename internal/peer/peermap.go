package peer

import (
	"sort"
	"sync"

	"github.com/andydunstall/kadstore/internal/number"
	"go.uber.org/zap"
)

const (
	// DefaultMaxFailures is the number of consecutive non-fatal failures
	// before a peer is removed.
	DefaultMaxFailures = 3
)

type entry struct {
	addr Address
	// failures counts consecutive failed exchanges.
	failures int
}

// Map contains this nodes view of the peers in the network, used to find the
// peers closest to a key.
//
// Note this is thread safe.
type Map struct {
	// self is the local peer, which is never added to the map.
	self Address
	// peers contains the set of known peers.
	peers       map[number.ID]*entry
	maxFailures int
	// mu protects all above fields. Using a RWMutex since lookups are far
	// more common than membership changes.
	mu sync.RWMutex

	logger *zap.Logger

	// Note must not hold mu when invoking callback as it may call back to
	// the map.
	onJoin  func(addr Address)
	onLeave func(addr Address)
}

func NewMap(
	self Address,
	maxFailures int,
	onJoin func(addr Address),
	onLeave func(addr Address),
	logger *zap.Logger,
) *Map {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Map{
		self:        self,
		peers:       make(map[number.ID]*entry),
		maxFailures: maxFailures,
		onJoin:      onJoin,
		onLeave:     onLeave,
		logger:      logger,
	}
}

func (m *Map) Self() Address {
	return m.self
}

// PeerFound records a successful exchange with addr, adding it if unknown and
// clearing any failures. referrer is the peer that told us about addr, or nil
// if we heard from addr directly. Returns true if the peer was added.
func (m *Map) PeerFound(addr Address, referrer *Address) bool {
	if addr.ID == m.self.ID {
		return false
	}

	m.mu.Lock()
	e, ok := m.peers[addr.ID]
	if ok {
		// Only a direct exchange proves liveness.
		if referrer == nil {
			e.failures = 0
			e.addr = addr
		}
		m.mu.Unlock()
		return false
	}
	m.peers[addr.ID] = &entry{addr: addr}
	m.mu.Unlock()

	m.logger.Info("peer joined", zap.Object("peer", addr))
	if m.onJoin != nil {
		m.onJoin(addr)
	}
	return true
}

// PeerFailed records a failed exchange with addr. A fatal failure removes the
// peer immediately, otherwise the peer is only removed after repeated
// failures. Returns true if the peer was removed.
func (m *Map) PeerFailed(addr Address, fatal bool) bool {
	m.mu.Lock()
	e, ok := m.peers[addr.ID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.failures++
	failures := e.failures
	if !fatal && failures < m.maxFailures {
		m.mu.Unlock()
		m.logger.Debug(
			"peer failed",
			zap.Object("peer", addr),
			zap.Int("failures", failures),
		)
		return false
	}
	delete(m.peers, addr.ID)
	m.mu.Unlock()

	m.logger.Info("peer left", zap.Object("peer", addr), zap.Bool("fatal", fatal))
	if m.onLeave != nil {
		m.onLeave(addr)
	}
	return true
}

// ClosePeers returns up to atLeast known peers ordered by ascending XOR
// distance to target.
func (m *Map) ClosePeers(target number.ID, atLeast int) []Address {
	peers := m.All()
	sort.Slice(peers, func(i, j int) bool {
		return number.CloserTo(target, peers[i].ID, peers[j].ID)
	})
	if len(peers) > atLeast {
		peers = peers[:atLeast]
	}
	return peers
}

// All returns every known peer, excluding the local peer.
func (m *Map) All() []Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]Address, 0, len(m.peers))
	for _, e := range m.peers {
		peers = append(peers, e.addr)
	}
	return peers
}

func (m *Map) Lookup(id number.ID) (Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.peers[id]; ok {
		return e.addr, true
	}
	return Address{}, false
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.peers)
}
