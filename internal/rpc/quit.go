package rpc

import (
	"context"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/peer"
	"go.uber.org/zap"
)

// QuitRPC tells peers this peer is leaving, so they remove it immediately
// rather than waiting for exchanges with it to fail.
type QuitRPC struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewQuitRPC(dispatcher *Dispatcher, logger *zap.Logger) *QuitRPC {
	return &QuitRPC{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (r *QuitRPC) Commands() []message.Command {
	return []message.Command{message.CommandQuit}
}

func (r *QuitRPC) Handle(_ context.Context, req *message.Message) (*message.Message, error) {
	r.logger.Debug("peer quit", zap.Object("peer", req.Sender))
	r.dispatcher.Observers().PeerFailed(req.Sender, true)
	return nil, nil
}

func (r *QuitRPC) Quit(ctx context.Context, remote peer.Address) error {
	req := r.dispatcher.NewRequest(remote, message.CommandQuit, message.TypeRequestFF1)
	return r.dispatcher.SendFireAndForget(ctx, req)
}
