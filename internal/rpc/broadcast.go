package rpc

import (
	"context"
	"math/rand"
	"sync"

	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/storage"
	bloomfilter "github.com/bits-and-blooms/bloom/v3"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	// MaxHopCount bounds how far a broadcast propagates.
	MaxHopCount = 4
	// BroadcastFanout is the number of random peers a received broadcast is
	// forwarded to.
	BroadcastFanout = 10

	seenCapacity      = 100000
	seenFalsePositive = 0.001
)

// Membership lists the known peers.
type Membership interface {
	All() []peer.Address
}

// BroadcastHandler is called once for each broadcast received.
type BroadcastHandler func(messageKey number.ID, dataMap storage.DataMap, hopCount int)

// BroadcastRPC floods a message through the network. The originator sends to
// every known peer, then each receiver forwards to a few random peers until
// the hop count reaches MaxHopCount.
//
// Each message is delivered at most once, using a bloom filter of seen message
// keys. A false positive drops a message that was not seen.
type BroadcastRPC struct {
	dispatcher *Dispatcher
	membership Membership
	onReceive  BroadcastHandler

	seen      *bloomfilter.BloomFilter
	seenCount int
	// mu protects seen and seenCount.
	mu sync.Mutex

	logger *zap.Logger
}

func NewBroadcastRPC(dispatcher *Dispatcher, membership Membership, onReceive BroadcastHandler, logger *zap.Logger) *BroadcastRPC {
	return &BroadcastRPC{
		dispatcher: dispatcher,
		membership: membership,
		onReceive:  onReceive,
		seen:       bloomfilter.NewWithEstimates(seenCapacity, seenFalsePositive),
		logger:     logger,
	}
}

func (r *BroadcastRPC) Commands() []message.Command {
	return []message.Command{message.CommandBroadcast}
}

// Broadcast sends the message to every known peer. Returns the errors of
// any sends that failed.
func (r *BroadcastRPC) Broadcast(ctx context.Context, messageKey number.ID, dataMap storage.DataMap) error {
	r.markSeen(messageKey)
	return r.send(ctx, r.membership.All(), messageKey, dataMap, 0)
}

func (r *BroadcastRPC) Handle(ctx context.Context, req *message.Message) (*message.Message, error) {
	messageKey := req.Keys[0]
	hopCount, _ := req.Integer(0)
	dataMap, ok := req.DataMap(0)
	if !ok {
		dataMap = make(storage.DataMap)
	}

	if !r.markSeen(messageKey) {
		r.logger.Debug("dropping seen broadcast", zap.String("key", messageKey.String()))
		return nil, nil
	}

	if r.onReceive != nil {
		r.onReceive(messageKey, dataMap, int(hopCount))
	}

	hopCount++
	if hopCount >= MaxHopCount {
		return nil, nil
	}

	var targets []peer.Address
	for _, addr := range r.membership.All() {
		if addr.ID != req.Sender.ID {
			targets = append(targets, addr)
		}
	}
	rand.Shuffle(len(targets), func(i, j int) {
		targets[i], targets[j] = targets[j], targets[i]
	})
	if len(targets) > BroadcastFanout {
		targets = targets[:BroadcastFanout]
	}
	if err := r.send(ctx, targets, messageKey, dataMap, hopCount); err != nil {
		r.logger.Debug("failed to forward broadcast", zap.Error(err))
	}
	return nil, nil
}

func (r *BroadcastRPC) send(ctx context.Context, targets []peer.Address, messageKey number.ID, dataMap storage.DataMap, hopCount int32) error {
	var errs error
	for _, addr := range targets {
		req := r.dispatcher.NewRequest(addr, message.CommandBroadcast, message.TypeRequestFF1)
		req.Keys = []number.ID{messageKey}
		req.Integers = []int32{hopCount}
		req.DataMaps = []storage.DataMap{dataMap}
		if err := r.dispatcher.SendFireAndForget(ctx, req); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// markSeen records the message key, returning false if it was already seen.
func (r *BroadcastRPC) markSeen(messageKey number.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen.TestOrAdd(messageKey[:]) {
		return false
	}
	r.seenCount++
	// Reset once full so the false positive rate stays bounded.
	if r.seenCount >= seenCapacity {
		r.seen.ClearAll()
		r.seenCount = 0
	}
	return true
}
