package rpc

import (
	"sync"

	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/google/uuid"
)

// PeerStatusListener is notified when an exchange with a peer succeeds or
// fails. The routing table is the main listener.
type PeerStatusListener interface {
	// PeerFound is called when a peer was heard from, either directly or,
	// if referrer is not nil, when another peer reported it as a neighbor.
	PeerFound(addr peer.Address, referrer *peer.Address) bool

	// PeerFailed is called when an exchange with the peer failed. fatal
	// means the peer should be removed immediately, such as when it quit.
	PeerFailed(addr peer.Address, fatal bool) bool
}

// ObserverRegistry holds the peer status listeners. Listeners are notified
// from a snapshot so may add or remove listeners from a callback.
type ObserverRegistry struct {
	listeners map[string]PeerStatusListener
	// order contains the listener IDs in the order they were added.
	order []string

	// mu protects the above fields.
	mu sync.Mutex
}

func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{
		listeners: make(map[string]PeerStatusListener),
	}
}

// Add registers the listener and returns an ID used to remove it.
func (r *ObserverRegistry) Add(l PeerStatusListener) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	r.listeners[id] = l
	r.order = append(r.order, id)
	return id
}

func (r *ObserverRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.listeners[id]; !ok {
		return
	}
	delete(r.listeners, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *ObserverRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.listeners)
}

func (r *ObserverRegistry) PeerFound(addr peer.Address, referrer *peer.Address) {
	for _, l := range r.snapshot() {
		l.PeerFound(addr, referrer)
	}
}

func (r *ObserverRegistry) PeerFailed(addr peer.Address, fatal bool) {
	for _, l := range r.snapshot() {
		l.PeerFailed(addr, fatal)
	}
}

func (r *ObserverRegistry) snapshot() []PeerStatusListener {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners := make([]PeerStatusListener, 0, len(r.order))
	for _, id := range r.order {
		listeners = append(listeners, r.listeners[id])
	}
	return listeners
}
