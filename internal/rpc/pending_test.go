package rpc

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/stretchr/testify/assert"
)

func TestPendingRequest_ExactlyOnceResolution(t *testing.T) {
	var released int32
	p := newPendingRequest(&message.Message{}, func() {
		atomic.AddInt32(&released, 1)
	})
	assert.True(t, p.transition(stateCreated, stateSent))

	// Race a response against a timeout.
	var wg sync.WaitGroup
	var wins int32
	for i := 0; i != 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if p.respond(&message.Message{}) {
				atomic.AddInt32(&wins, 1)
			}
			p.releaseSlot()
		}()
		go func() {
			defer wg.Done()
			if p.transition(stateSent, stateTimedOut) {
				atomic.AddInt32(&wins, 1)
			}
			p.releaseSlot()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(1), released)
	assert.Contains(t, []requestState{stateResponded, stateTimedOut}, p.State())
}

func TestPendingRequest_RespondBeforeSent(t *testing.T) {
	p := newPendingRequest(&message.Message{}, func() {})
	assert.False(t, p.respond(&message.Message{}))
	assert.Equal(t, stateCreated, p.State())
}
