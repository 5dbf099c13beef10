package rpc

import (
	"context"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/peer"
)

// DirectReply answers direct messages sent to this peer. Any object
// marshaling is left to the application.
type DirectReply interface {
	Reply(ctx context.Context, sender peer.Address, request []byte) ([]byte, error)
}

// DirectReplyFunc adapts a function to a DirectReply.
type DirectReplyFunc func(ctx context.Context, sender peer.Address, request []byte) ([]byte, error)

func (f DirectReplyFunc) Reply(ctx context.Context, sender peer.Address, request []byte) ([]byte, error) {
	return f(ctx, sender, request)
}

// DirectDataRPC exchanges application bytes directly with a peer.
type DirectDataRPC struct {
	dispatcher *Dispatcher
	// reply may be nil, in which case requests are answered with
	// NOT_FOUND.
	reply DirectReply
}

func NewDirectDataRPC(dispatcher *Dispatcher, reply DirectReply) *DirectDataRPC {
	return &DirectDataRPC{
		dispatcher: dispatcher,
		reply:      reply,
	}
}

func (r *DirectDataRPC) Commands() []message.Command {
	return []message.Command{message.CommandDirectData}
}

func (r *DirectDataRPC) Handle(ctx context.Context, req *message.Message) (*message.Message, error) {
	if r.reply == nil {
		if req.IsFireAndForget() {
			return nil, nil
		}
		return req.Response(message.TypeNotFound), nil
	}

	request, _ := req.Buffer(0)
	b, err := r.reply.Reply(ctx, req.Sender, request)
	if err != nil {
		return nil, err
	}
	if req.IsFireAndForget() {
		return nil, nil
	}

	resp := req.Response(message.TypeOK)
	if b != nil {
		resp.Buffers = [][]byte{b}
	}
	return resp, nil
}

// Send sends b to the remote and returns its reply. Returns nil if the remote
// replied with no bytes.
func (r *DirectDataRPC) Send(ctx context.Context, remote peer.Address, b []byte) ([]byte, error) {
	req := r.dispatcher.NewRequest(remote, message.CommandDirectData, message.TypeRequest1)
	req.Buffers = [][]byte{b}
	resp, err := r.dispatcher.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Type == message.TypeNotFound {
		return nil, ErrNoHandler
	}
	reply, _ := resp.Buffer(0)
	return reply, nil
}

// SendFireAndForget sends b to the remote without waiting for a reply.
func (r *DirectDataRPC) SendFireAndForget(ctx context.Context, remote peer.Address, b []byte) error {
	req := r.dispatcher.NewRequest(remote, message.CommandDirectData, message.TypeRequestFF1)
	req.Buffers = [][]byte{b}
	return r.dispatcher.SendFireAndForget(ctx, req)
}
