package rpc

import (
	"context"
	"fmt"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/digest"
	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/storage"
	"go.uber.org/zap"
)

const (
	// NeighborSize is the number of close peers a neighbor request returns.
	NeighborSize = 30
	// NeighborLimit caps the neighbors sent in one response.
	NeighborLimit = 1000
)

// RoutingTable returns the known peers closest to a key.
type RoutingTable interface {
	ClosePeers(target number.ID, atLeast int) []peer.Address
}

// DigestMode selects what a neighbor request attaches to the neighbors.
type DigestMode int

const (
	// DigestNone requests only the neighbors.
	DigestNone DigestMode = iota
	// DigestSummary attaches the size, key digest and content digest of the
	// matching entries.
	DigestSummary
	// DigestBloom attaches the content keys and value hashes of the
	// matching entries as bloom filters.
	DigestBloom
)

func (m DigestMode) requestType() message.Type {
	switch m {
	case DigestSummary:
		return message.TypeRequest2
	case DigestBloom:
		return message.TypeRequest3
	default:
		return message.TypeRequest1
	}
}

// SearchValues selects the entries a neighbor request digests. At most one
// of Content, Range or the filters is used. With none set every entry of the
// domain is digested, or every entry of the location if the domain is zero.
type SearchValues struct {
	Location number.ID
	Domain   number.ID

	Content *number.ID
	Range   *KeyRange

	ContentFilter *bloom.Filter
	HashFilter    *bloom.Filter
}

// NeighborResult is the response to a neighbor request.
type NeighborResult struct {
	// Neighbors contains the peers the remote knows closest to the
	// location, ordered by distance. Never nil.
	Neighbors []peer.Address

	// Digest summarises the matching entries on the remote if requested
	// with DigestSummary, otherwise nil.
	Digest *digest.Info

	// ContentKeys and ContentHashes contain the content keys and value
	// hashes of the matching entries on the remote if requested with
	// DigestBloom, otherwise nil.
	ContentKeys   *bloom.Filter
	ContentHashes *bloom.Filter
}

// NeighborRPC serves neighbor requests from the routing table, piggybacking a
// digest of the local store when requested, so a lookup can check whether a
// peer has an entry in the same round trip.
type NeighborRPC struct {
	dispatcher *Dispatcher
	routing    RoutingTable
	// storage may be nil if the peer stores nothing, in which case digests
	// are empty.
	storage *storage.Layer
	factory bloom.Factory
	logger  *zap.Logger
}

func NewNeighborRPC(dispatcher *Dispatcher, routing RoutingTable, layer *storage.Layer, factory bloom.Factory, logger *zap.Logger) *NeighborRPC {
	return &NeighborRPC{
		dispatcher: dispatcher,
		routing:    routing,
		storage:    layer,
		factory:    factory,
		logger:     logger,
	}
}

func (r *NeighborRPC) Commands() []message.Command {
	return []message.Command{message.CommandNeighbor}
}

// CloseNeighbors asks the remote for its peers closest to sv.Location. Every
// returned neighbor is reported to the observers as referred by the remote.
func (r *NeighborRPC) CloseNeighbors(ctx context.Context, remote peer.Address, sv SearchValues, mode DigestMode) (*NeighborResult, error) {
	req := r.dispatcher.NewRequest(remote, message.CommandNeighbor, mode.requestType())
	req.Keys = []number.ID{sv.Location, sv.Domain}
	switch {
	case sv.Range != nil:
		req.KeyCollections = [][]number.Key{{sv.Range.From, sv.Range.To}}
	case sv.Content != nil:
		req.Keys = append(req.Keys, *sv.Content)
	case sv.ContentFilter != nil || sv.HashFilter != nil:
		req.BloomFilters = []*bloom.Filter{sv.ContentFilter, sv.HashFilter}
	}

	resp, err := r.dispatcher.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &NeighborResult{
		Neighbors: []peer.Address{},
	}
	if neighbors, ok := resp.NeighborSet(0); ok {
		result.Neighbors = neighbors
	}
	referrer := resp.Sender
	for _, neighbor := range result.Neighbors {
		r.dispatcher.Observers().PeerFound(neighbor, &referrer)
	}

	size, _ := resp.Integer(0)
	switch mode {
	case DigestSummary:
		keyDigest, _ := resp.Key(0)
		contentDigest, _ := resp.Key(1)
		result.Digest = digest.NewPrecomputed(keyDigest, contentDigest, int(size))
	case DigestBloom:
		result.ContentKeys = resp.BloomFilter(0)
		result.ContentHashes = resp.BloomFilter(1)
	}
	return result, nil
}

func (r *NeighborRPC) Handle(_ context.Context, req *message.Message) (*message.Message, error) {
	if req.Command != message.CommandNeighbor {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Command)
	}

	location := req.Keys[0]
	neighbors := r.routing.ClosePeers(location, NeighborSize)
	if len(neighbors) > NeighborLimit {
		neighbors = neighbors[:NeighborLimit]
	}
	if neighbors == nil {
		neighbors = []peer.Address{}
	}

	resp := req.Response(message.TypeOK)
	resp.Neighbors = [][]peer.Address{neighbors}

	switch req.Type {
	case message.TypeRequest2:
		info := r.digest(decodeSearchValues(req))
		resp.Integers = []int32{int32(info.Size())}
		resp.Keys = []number.ID{info.KeyDigest(), info.ContentDigest()}
	case message.TypeRequest3:
		info := r.digest(decodeSearchValues(req))
		contentKeys, err := info.ContentKeyFilter(r.factory)
		if err != nil {
			return nil, fmt.Errorf("content key filter: %w", err)
		}
		contentHashes, err := info.ContentFilter(r.factory)
		if err != nil {
			return nil, fmt.Errorf("content filter: %w", err)
		}
		resp.Integers = []int32{int32(info.Size())}
		resp.BloomFilters = []*bloom.Filter{contentKeys, contentHashes}
	}

	r.logger.Debug(
		"close neighbors",
		zap.String("location", location.String()),
		zap.Int("neighbors", len(neighbors)),
		zap.String("type", req.Type.String()),
	)
	return resp, nil
}

func (r *NeighborRPC) digest(sv SearchValues) *digest.Info {
	if r.storage == nil {
		return digest.New()
	}

	switch {
	case sv.Range != nil:
		return r.storage.Digest(sv.Range.From, sv.Range.To, storage.NoLimit, true)
	case sv.Content != nil:
		key := number.EntryKey{Location: sv.Location, Domain: sv.Domain, Content: *sv.Content}
		return r.storage.Digest(key.Min(), key.Max(), storage.NoLimit, true)
	case sv.ContentFilter != nil || sv.HashFilter != nil:
		key := number.DomainKey{Location: sv.Location, Domain: sv.Domain}
		return r.storage.DigestBloom(key, sv.ContentFilter, sv.HashFilter, storage.NoLimit, true, true)
	case sv.Domain.IsZero():
		from := number.NewKey(sv.Location, number.Zero, number.Zero, number.Zero)
		to := number.NewKey(sv.Location, number.Max, number.Max, number.Max)
		return r.storage.Digest(from, to, storage.NoLimit, true)
	default:
		key := number.DomainKey{Location: sv.Location, Domain: sv.Domain}
		return r.storage.Digest(key.Min(), key.Max(), storage.NoLimit, true)
	}
}

func decodeSearchValues(req *message.Message) SearchValues {
	sv := SearchValues{
		Location: req.Keys[0],
		Domain:   req.Keys[1],
	}
	if keys, ok := req.KeyCollection(0); ok {
		sv.Range = &KeyRange{From: keys[0], To: keys[1]}
		return sv
	}
	if content, ok := req.Key(2); ok {
		sv.Content = &content
		return sv
	}
	sv.ContentFilter = req.BloomFilter(0)
	sv.HashFilter = req.BloomFilter(1)
	return sv
}
