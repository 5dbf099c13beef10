package rpc

import (
	"context"
	"fmt"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
)

// Handler serves the requests of one or more commands.
type Handler interface {
	// Commands returns the commands the handler serves.
	Commands() []message.Command

	// Handle returns the response to req. The response must be nil for
	// fire-and-forget requests. A returned error is answered with an
	// EXCEPTION response.
	Handle(ctx context.Context, req *message.Message) (*message.Message, error)
}

// Registration binds a handler to the peer it serves.
type Registration struct {
	PeerID  number.ID
	Handler Handler
}

type handlerKey struct {
	peerID  number.ID
	command message.Command
}

// HandlerTable maps (peer ID, command) to a handler. It is built once and
// never modified, so lookups need no locking.
type HandlerTable struct {
	handlers map[handlerKey]Handler
}

// NewHandlerTable returns a table of the given registrations. Registering two
// handlers for the same peer and command is an error.
func NewHandlerTable(registrations ...Registration) (*HandlerTable, error) {
	handlers := make(map[handlerKey]Handler)
	for _, r := range registrations {
		for _, command := range r.Handler.Commands() {
			key := handlerKey{peerID: r.PeerID, command: command}
			if _, ok := handlers[key]; ok {
				return nil, fmt.Errorf("duplicate handler: %s: %s", r.PeerID, command)
			}
			handlers[key] = r.Handler
		}
	}
	return &HandlerTable{
		handlers: handlers,
	}, nil
}

func (t *HandlerTable) Lookup(peerID number.ID, command message.Command) (Handler, bool) {
	h, ok := t.handlers[handlerKey{peerID: peerID, command: command}]
	return h, ok
}

func (t *HandlerTable) Len() int {
	return len(t.handlers)
}
