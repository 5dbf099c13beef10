package rpc

import (
	"context"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/peer"
)

// PingRPC answers pings. A successful ping also reports the remote as found
// since the dispatcher notifies observers of every response.
type PingRPC struct {
	dispatcher *Dispatcher
}

func NewPingRPC(dispatcher *Dispatcher) *PingRPC {
	return &PingRPC{
		dispatcher: dispatcher,
	}
}

func (r *PingRPC) Commands() []message.Command {
	return []message.Command{message.CommandPing}
}

func (r *PingRPC) Handle(_ context.Context, req *message.Message) (*message.Message, error) {
	if req.IsFireAndForget() {
		return nil, nil
	}
	return req.Response(message.TypeOK), nil
}

// Ping sends a ping and waits for the response.
func (r *PingRPC) Ping(ctx context.Context, remote peer.Address) error {
	req := r.dispatcher.NewRequest(remote, message.CommandPing, message.TypeRequest1)
	_, err := r.dispatcher.SendRequest(ctx, req)
	return err
}

// PingFireAndForget sends a ping without waiting for a response.
func (r *PingRPC) PingFireAndForget(ctx context.Context, remote peer.Address) error {
	req := r.dispatcher.NewRequest(remote, message.CommandPing, message.TypeRequestFF1)
	return r.dispatcher.SendFireAndForget(ctx, req)
}
