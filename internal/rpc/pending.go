package rpc

import (
	"sync"
	"sync/atomic"

	"github.com/andydunstall/kadstore/internal/message"
)

type requestState int32

const (
	stateCreated requestState = iota
	stateSent
	stateResponded
	stateTimedOut
	stateFailed
)

func (s requestState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateSent:
		return "sent"
	case stateResponded:
		return "responded"
	case stateTimedOut:
		return "timed-out"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// pendingRequest tracks an outstanding request until it reaches a terminal
// state. Transitions use compare-and-swap so exactly one of a response,
// timeout or failure resolves the request.
type pendingRequest struct {
	req   *message.Message
	state int32

	// responseCh receives the response once the request is responded. Has
	// a buffer of one so the receiver never blocks.
	responseCh chan *message.Message

	releaseOnce sync.Once
	release     func()
}

func newPendingRequest(req *message.Message, release func()) *pendingRequest {
	return &pendingRequest{
		req:        req,
		state:      int32(stateCreated),
		responseCh: make(chan *message.Message, 1),
		release:    release,
	}
}

func (p *pendingRequest) State() requestState {
	return requestState(atomic.LoadInt32(&p.state))
}

// transition moves the request from one state to another, returning false if
// the request was not in the from state.
func (p *pendingRequest) transition(from requestState, to requestState) bool {
	return atomic.CompareAndSwapInt32(&p.state, int32(from), int32(to))
}

// respond resolves the request with resp, returning false if the request
// was already resolved.
func (p *pendingRequest) respond(resp *message.Message) bool {
	if !p.transition(stateSent, stateResponded) {
		return false
	}
	p.responseCh <- resp
	return true
}

// releaseSlot releases the connection slot held by the request. Safe to call
// more than once.
func (p *pendingRequest) releaseSlot() {
	p.releaseOnce.Do(p.release)
}
