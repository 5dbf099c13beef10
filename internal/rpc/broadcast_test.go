package rpc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/andydunstall/kadstore/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// broadcastCounter counts the broadcasts each peer receives.
type broadcastCounter struct {
	received map[string]int
	hops     map[string]int
	mu       sync.Mutex
}

func newBroadcastCounter() *broadcastCounter {
	return &broadcastCounter{
		received: make(map[string]int),
		hops:     make(map[string]int),
	}
}

func (c *broadcastCounter) handler(name string) BroadcastHandler {
	return func(_ number.ID, dataMap storage.DataMap, hopCount int) {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.received[name]++
		c.hops[name] = hopCount
	}
}

func (c *broadcastCounter) Received() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	received := make(map[string]int, len(c.received))
	for k, v := range c.received {
		received[k] = v
	}
	return received
}

func TestBroadcastRPC_DeliversOnce(t *testing.T) {
	net := transport.NewMockNetwork()
	counter := newBroadcastCounter()

	var peers []*fakePeer
	for i := 0; i != 5; i++ {
		name := fmt.Sprintf("peer-%d", i)
		peers = append(peers, newFakePeer(t, net, name, withOnBroadcast(counter.handler(name))))
	}
	// Fully mesh the peers.
	for _, p := range peers {
		for _, o := range peers {
			p.PeerMap.PeerFound(o.Addr, nil)
		}
	}

	messageKey := number.HashString("message")
	dataMap := storage.DataMap{testKey("c1"): storage.NewData([]byte("hello"))}
	require.NoError(t, peers[0].BroadcastRPC.Broadcast(context.Background(), messageKey, dataMap))

	expected := map[string]int{
		"peer-1": 1,
		"peer-2": 1,
		"peer-3": 1,
		"peer-4": 1,
	}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, counter.Received())
	}, time.Second, 10*time.Millisecond)

	// Wait for forwarded copies to settle then check none were delivered
	// twice.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, expected, counter.Received())
}

func TestBroadcastRPC_Forwards(t *testing.T) {
	net := transport.NewMockNetwork()
	counter := newBroadcastCounter()

	// A chain a -> b -> c, where a only knows b and b knows c.
	a := newFakePeer(t, net, "a", withOnBroadcast(counter.handler("a")))
	b := newFakePeer(t, net, "b", withOnBroadcast(counter.handler("b")))
	c := newFakePeer(t, net, "c", withOnBroadcast(counter.handler("c")))
	a.PeerMap.PeerFound(b.Addr, nil)
	b.PeerMap.PeerFound(c.Addr, nil)

	require.NoError(t, a.BroadcastRPC.Broadcast(context.Background(), number.HashString("message"), nil))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[string]int{"b": 1, "c": 1}, counter.Received())
	}, time.Second, 10*time.Millisecond)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 1, counter.hops["c"])
}

func TestBroadcastRPC_MarkSeen(t *testing.T) {
	r := NewBroadcastRPC(nil, nil, nil, nil)
	key := number.HashString("message")
	assert.True(t, r.markSeen(key))
	assert.False(t, r.markSeen(key))
	assert.True(t, r.markSeen(number.HashString("other")))
}
