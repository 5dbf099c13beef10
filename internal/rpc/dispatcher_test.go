package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestDispatcher_RequestResponse(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2")

	require.NoError(t, p1.PingRPC.Ping(context.Background(), p2.Addr))

	// Both sides learn about each other from the exchange.
	_, ok := p1.PeerMap.Lookup(p2.Addr.ID)
	assert.True(t, ok)
	_, ok = p2.PeerMap.Lookup(p1.Addr.ID)
	assert.True(t, ok)
	assert.Equal(t, 0, p1.Dispatcher.pendingLen())
}

func TestDispatcher_ConcurrentRequests(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i != 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p1.PingRPC.Ping(context.Background(), p2.Addr)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, p1.Dispatcher.pendingLen())
}

func TestDispatcher_Timeout(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1", withDispatcherOptions(
		WithRequestTimeout(time.Millisecond*50),
		// A single slot means a leaked slot blocks the second request.
		WithMaxConnections(1),
	))
	p2 := newFakePeer(t, net, "peer-2")

	net.Drop(p2.Addr.Addr)

	for i := 0; i != 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := p1.PingRPC.Ping(ctx, p2.Addr)
		cancel()
		assert.ErrorIs(t, err, ErrTimeout)
	}
	assert.Equal(t, 0, p1.Dispatcher.pendingLen())

	// The peer is provisionally failed, not fatally.
	assert.Equal(t, []peer.Address{p2.Addr, p2.Addr}, p1.Listener.Failed())
	assert.Equal(t, []bool{false, false}, p1.Listener.Fatal())

	// Recovers once the peer responds again.
	net.Restore(p2.Addr.Addr)
	assert.NoError(t, p1.PingRPC.Ping(context.Background(), p2.Addr))
}

func TestDispatcher_ContextDeadline(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2")

	net.Drop(p2.Addr.Addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	assert.ErrorIs(t, p1.PingRPC.Ping(ctx, p2.Addr), ErrTimeout)
}

func TestDispatcher_NoRoute(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")

	unknown := peer.NewAddress(number.HashString("unknown"), "127.0.0.1:1")
	err := p1.PingRPC.Ping(context.Background(), unknown)
	assert.ErrorIs(t, err, transport.ErrNoRoute)
	assert.Equal(t, []peer.Address{unknown}, p1.Listener.Failed())
}

func TestDispatcher_UnregisteredCommand(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2")

	req := p1.Dispatcher.NewRequest(p2.Addr, message.CommandTrackerGet, message.TypeRequest1)
	resp, err := p1.Dispatcher.SendRequest(context.Background(), req)
	assert.ErrorIs(t, err, ErrException)
	assert.Equal(t, message.TypeException, resp.Type)

	// The sender did nothing wrong so is not marked as failed.
	assert.Empty(t, p2.Listener.Failed())
}

func TestDispatcher_HandlerPanic(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2", withReply(DirectReplyFunc(
		func(ctx context.Context, sender peer.Address, request []byte) ([]byte, error) {
			panic("boom")
		},
	)))

	_, err := p1.DirectDataRPC.Send(context.Background(), p2.Addr, []byte("foo"))
	assert.ErrorIs(t, err, ErrException)

	// The receiver marks the sender as provisionally failed.
	assert.Equal(t, []peer.Address{p1.Addr}, p2.Listener.Failed())
	assert.Equal(t, []bool{false}, p2.Listener.Fatal())

	// The dispatcher keeps serving.
	assert.NoError(t, p1.PingRPC.Ping(context.Background(), p2.Addr))
}

func TestDispatcher_InvalidPayload(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2")

	// A get without a domain key.
	req := p1.Dispatcher.NewRequest(p2.Addr, message.CommandGet, message.TypeRequest1)
	req.Keys = []number.ID{number.HashString("loc1")}
	_, err := p1.Dispatcher.SendRequest(context.Background(), req)
	assert.ErrorIs(t, err, ErrException)

	// A protocol error does not mark the sender as failed.
	assert.Empty(t, p2.Listener.Failed())
}

func TestDispatcher_RateLimited(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2", withDispatcherOptions(
		WithInboundRate(rate.Limit(0), 0),
	))

	req := p1.Dispatcher.NewRequest(p2.Addr, message.CommandPing, message.TypeRequest1)
	resp, err := p1.Dispatcher.SendRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, message.TypeDenied, resp.Type)
}

func TestDispatcher_NetworkVersionMismatch(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1", withDispatcherOptions(
		WithRequestTimeout(time.Millisecond*50),
		WithNetworkVersion(2),
	))
	p2 := newFakePeer(t, net, "peer-2")

	assert.ErrorIs(t, p1.PingRPC.Ping(context.Background(), p2.Addr), ErrTimeout)
}

func TestDispatcher_FireAndForget(t *testing.T) {
	received := make(chan []byte, 1)

	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2", withReply(DirectReplyFunc(
		func(ctx context.Context, sender peer.Address, request []byte) ([]byte, error) {
			received <- request
			return []byte("ignored"), nil
		},
	)))

	require.NoError(t, p1.DirectDataRPC.SendFireAndForget(context.Background(), p2.Addr, []byte("foo")))
	assert.Equal(t, 0, p1.Dispatcher.pendingLen())

	select {
	case b := <-received:
		assert.Equal(t, []byte("foo"), b)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for direct message")
	}
}

func TestDispatcher_SendRequestRejectsFireAndForget(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2")

	req := p1.Dispatcher.NewRequest(p2.Addr, message.CommandPing, message.TypeRequestFF1)
	_, err := p1.Dispatcher.SendRequest(context.Background(), req)
	assert.ErrorIs(t, err, message.ErrInvalidType)

	req = p1.Dispatcher.NewRequest(p2.Addr, message.CommandPing, message.TypeRequest1)
	assert.ErrorIs(t, p1.Dispatcher.SendFireAndForget(context.Background(), req), message.ErrInvalidType)
}

func TestDispatcher_ShutdownFailsPending(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1", withDispatcherOptions(
		WithRequestTimeout(time.Minute),
	))
	p2 := newFakePeer(t, net, "peer-2")
	net.Drop(p2.Addr.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p1.PingRPC.Ping(context.Background(), p2.Addr)
	}()

	assert.Eventually(t, func() bool {
		return p1.Dispatcher.pendingLen() == 1
	}, time.Second, time.Millisecond*10)
	p1.Dispatcher.Shutdown()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on shutdown")
	}
}

func TestDispatcher_Quit(t *testing.T) {
	net := transport.NewMockNetwork()
	p1 := newFakePeer(t, net, "peer-1")
	p2 := newFakePeer(t, net, "peer-2")

	require.NoError(t, p1.PingRPC.Ping(context.Background(), p2.Addr))
	_, ok := p2.PeerMap.Lookup(p1.Addr.ID)
	require.True(t, ok)

	require.NoError(t, p1.QuitRPC.Quit(context.Background(), p2.Addr))
	assert.Eventually(t, func() bool {
		_, ok := p2.PeerMap.Lookup(p1.Addr.ID)
		return !ok
	}, time.Second, time.Millisecond*10)
	assert.Eventually(t, func() bool {
		fatal := p2.Listener.Fatal()
		return len(fatal) == 1 && fatal[0]
	}, time.Second, time.Millisecond*10)
}

func TestHandlerTable_Duplicate(t *testing.T) {
	id := number.HashString("peer-1")
	_, err := NewHandlerTable(
		Registration{PeerID: id, Handler: &PingRPC{}},
		Registration{PeerID: id, Handler: &PingRPC{}},
	)
	assert.Error(t, err)

	// The same handler may serve different peers.
	table, err := NewHandlerTable(
		Registration{PeerID: id, Handler: &PingRPC{}},
		Registration{PeerID: number.HashString("peer-2"), Handler: &PingRPC{}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	_, ok := table.Lookup(id, message.CommandPing)
	assert.True(t, ok)
	_, ok = table.Lookup(id, message.CommandPut)
	assert.False(t, ok)
}
