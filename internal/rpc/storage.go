package rpc

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/digest"
	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/storage"
	"go.uber.org/zap"
)

// PutOptions selects the put variant.
type PutOptions struct {
	// ProtectDomain claims the domain for the signing key.
	ProtectDomain bool
	// PutIfAbsent only stores entries that do not exist.
	PutIfAbsent bool
}

// AddOptions selects the add variant.
type AddOptions struct {
	ProtectDomain bool
	// List stores each value under a fresh random content key rather than
	// the given key, so repeated adds of the same value are kept.
	List bool
}

// StorageRPC serves the storage commands from the local store and sends
// storage requests to remote peers.
type StorageRPC struct {
	dispatcher *Dispatcher
	storage    *storage.Layer
	factory    bloom.Factory
	logger     *zap.Logger
}

func NewStorageRPC(dispatcher *Dispatcher, layer *storage.Layer, factory bloom.Factory, logger *zap.Logger) *StorageRPC {
	return &StorageRPC{
		dispatcher: dispatcher,
		storage:    layer,
		factory:    factory,
		logger:     logger,
	}
}

func (r *StorageRPC) Commands() []message.Command {
	return []message.Command{
		message.CommandPut,
		message.CommandGet,
		message.CommandAdd,
		message.CommandRemove,
		message.CommandDigest,
		message.CommandDigestBloomFilter,
		message.CommandDigestMetaValues,
		message.CommandPutMeta,
		message.CommandPutConfirm,
		message.CommandGetLatest,
	}
}

func (r *StorageRPC) Handle(_ context.Context, req *message.Message) (*message.Message, error) {
	switch req.Command {
	case message.CommandPut:
		return r.handlePut(req), nil
	case message.CommandAdd:
		return r.handleAdd(req), nil
	case message.CommandPutConfirm:
		return r.handlePutConfirm(req), nil
	case message.CommandPutMeta:
		return r.handlePutMeta(req), nil
	case message.CommandGet:
		return r.handleGet(req), nil
	case message.CommandGetLatest:
		return r.handleGetLatest(req), nil
	case message.CommandDigest, message.CommandDigestBloomFilter, message.CommandDigestMetaValues:
		return r.handleDigest(req)
	case message.CommandRemove:
		return r.handleRemove(req), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Command)
	}
}

// Put stores the entries on the remote peer.
func (r *StorageRPC) Put(ctx context.Context, remote peer.Address, dataMap storage.DataMap, opts PutOptions) (*StatusResult, error) {
	t := message.TypeRequest1
	switch {
	case opts.PutIfAbsent && opts.ProtectDomain:
		t = message.TypeRequest4
	case opts.PutIfAbsent:
		t = message.TypeRequest3
	case opts.ProtectDomain:
		t = message.TypeRequest2
	}
	return r.sendDataMap(ctx, remote, message.CommandPut, t, dataMap)
}

// Add adds the entries on the remote peer. In list mode the keys in the
// result are the keys the entries were stored under.
func (r *StorageRPC) Add(ctx context.Context, remote peer.Address, dataMap storage.DataMap, opts AddOptions) (*StatusResult, error) {
	t := message.TypeRequest1
	switch {
	case opts.List && opts.ProtectDomain:
		t = message.TypeRequest4
	case opts.List:
		t = message.TypeRequest3
	case opts.ProtectDomain:
		t = message.TypeRequest2
	}
	return r.sendDataMap(ctx, remote, message.CommandAdd, t, dataMap)
}

// PutConfirm commits staged entries on the remote peer. The TTL of each
// entry is taken from dataMap, values are not sent.
func (r *StorageRPC) PutConfirm(ctx context.Context, remote peer.Address, dataMap storage.DataMap) (*StatusResult, error) {
	return r.sendDataMap(ctx, remote, message.CommandPutConfirm, message.TypeRequest1, metaOnly(dataMap))
}

// PutReject discards staged entries on the remote peer.
func (r *StorageRPC) PutReject(ctx context.Context, remote peer.Address, keys []number.Key) (*StatusResult, error) {
	dataMap := make(storage.DataMap, len(keys))
	for _, key := range keys {
		dataMap[key] = storage.NewMetaData(number.Zero)
	}
	return r.sendDataMap(ctx, remote, message.CommandPutConfirm, message.TypeRequest2, dataMap)
}

// PutMeta updates the owner, protection and TTL of entries on the remote
// peer without sending their values.
func (r *StorageRPC) PutMeta(ctx context.Context, remote peer.Address, dataMap storage.DataMap) (*StatusResult, error) {
	return r.sendDataMap(ctx, remote, message.CommandPutMeta, message.TypeRequest1, metaOnly(dataMap))
}

// PutDomainMeta transfers ownership of a domain on the remote peer to
// newPublicKey. The request must be signed by the current owner.
func (r *StorageRPC) PutDomainMeta(ctx context.Context, remote peer.Address, key number.DomainKey, newPublicKey ed25519.PublicKey) (*StatusResult, error) {
	req := r.dispatcher.NewRequest(remote, message.CommandPutMeta, message.TypeRequest2)
	req.Keys = []number.ID{key.Location, key.Domain}
	req.Buffers = [][]byte{newPublicKey}
	resp, err := r.dispatcher.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeStatuses(resp), nil
}

// Get returns the entries selected by q from the remote peer.
func (r *StorageRPC) Get(ctx context.Context, remote peer.Address, q Query) (storage.DataMap, error) {
	resp, err := r.sendQuery(ctx, remote, message.CommandGet, q.requestType(), q)
	if err != nil {
		return nil, err
	}
	return responseDataMap(resp, 0), nil
}

// GetLatest returns the latest versions of the entry from the remote peer.
// If withDigest a digest of every version is also returned, otherwise the
// digest is nil.
func (r *StorageRPC) GetLatest(ctx context.Context, remote peer.Address, key number.EntryKey, withDigest bool) (storage.DataMap, *digest.Info, error) {
	t := message.TypeRequest1
	if withDigest {
		t = message.TypeRequest2
	}
	req := r.dispatcher.NewRequest(remote, message.CommandGetLatest, t)
	req.Keys = []number.ID{key.Location, key.Domain, key.Content}
	resp, err := r.dispatcher.SendRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var info *digest.Info
	if withDigest {
		info = decodeDigest(responseDataMap(resp, 1))
	}
	return responseDataMap(resp, 0), info, nil
}

// Digest returns a digest of the entries selected by q on the remote peer.
func (r *StorageRPC) Digest(ctx context.Context, remote peer.Address, q Query) (*digest.Info, error) {
	resp, err := r.sendQuery(ctx, remote, message.CommandDigest, q.requestType(), q)
	if err != nil {
		return nil, err
	}
	return decodeDigest(responseDataMap(resp, 0)), nil
}

// DigestBloomFilter returns the content keys and value hashes of the entries
// selected by q on the remote peer, as bloom filters.
func (r *StorageRPC) DigestBloomFilter(ctx context.Context, remote peer.Address, q Query) (*bloom.Filter, *bloom.Filter, error) {
	resp, err := r.sendQuery(ctx, remote, message.CommandDigestBloomFilter, q.requestType(), q)
	if err != nil {
		return nil, nil, err
	}
	return resp.BloomFilter(0), resp.BloomFilter(1), nil
}

// DigestMetaValues returns the entries selected by q on the remote peer
// without their values.
func (r *StorageRPC) DigestMetaValues(ctx context.Context, remote peer.Address, q Query) (storage.DataMap, error) {
	resp, err := r.sendQuery(ctx, remote, message.CommandDigestMetaValues, q.requestType(), q)
	if err != nil {
		return nil, err
	}
	return responseDataMap(resp, 0), nil
}

// Remove removes the entries selected by q on the remote peer and returns
// the status of each. Only Keys, Range or the whole domain are used to
// select entries.
func (r *StorageRPC) Remove(ctx context.Context, remote peer.Address, q Query) (*StatusResult, error) {
	resp, err := r.sendQuery(ctx, remote, message.CommandRemove, message.TypeRequest1, q)
	if err != nil {
		return nil, err
	}
	return decodeStatuses(resp), nil
}

// RemoveReturn is like Remove but returns the removed entries.
func (r *StorageRPC) RemoveReturn(ctx context.Context, remote peer.Address, q Query) (storage.DataMap, error) {
	resp, err := r.sendQuery(ctx, remote, message.CommandRemove, message.TypeRequest2, q)
	if err != nil {
		return nil, err
	}
	return responseDataMap(resp, 0), nil
}

func (r *StorageRPC) sendDataMap(ctx context.Context, remote peer.Address, command message.Command, t message.Type, dataMap storage.DataMap) (*StatusResult, error) {
	req := r.dispatcher.NewRequest(remote, command, t)
	req.DataMaps = []storage.DataMap{dataMap}
	resp, err := r.dispatcher.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeStatuses(resp), nil
}

func (r *StorageRPC) sendQuery(ctx context.Context, remote peer.Address, command message.Command, t message.Type, q Query) (*message.Message, error) {
	req := r.dispatcher.NewRequest(remote, command, t)
	q.encode(req)
	return r.dispatcher.SendRequest(ctx, req)
}

func (r *StorageRPC) handlePut(req *message.Message) *message.Message {
	protectDomain := req.PublicKey != nil &&
		(req.Type == message.TypeRequest2 || req.Type == message.TypeRequest4)
	putIfAbsent := req.Type == message.TypeRequest3 || req.Type == message.TypeRequest4

	dataMap, _ := req.DataMap(0)
	statuses := r.storage.PutAll(withOwner(dataMap, req.PublicKey), req.PublicKey, putIfAbsent, protectDomain)
	r.logger.Debug(
		"put",
		zap.Int("entries", len(dataMap)),
		zap.Bool("put-if-absent", putIfAbsent),
		zap.Bool("protect-domain", protectDomain),
	)
	return statusResponse(req, statuses)
}

func (r *StorageRPC) handleAdd(req *message.Message) *message.Message {
	protectDomain := req.PublicKey != nil &&
		(req.Type == message.TypeRequest2 || req.Type == message.TypeRequest4)
	list := req.Type == message.TypeRequest3 || req.Type == message.TypeRequest4

	dataMap, _ := req.DataMap(0)
	dataMap = withOwner(dataMap, req.PublicKey)
	if !list {
		return statusResponse(req, r.storage.PutAll(dataMap, req.PublicKey, false, protectDomain))
	}

	statuses := make(map[number.Key]storage.Status, len(dataMap))
	for _, key := range dataMap.SortedKeys() {
		storedKey, status := r.addToList(key, dataMap[key], req.PublicKey, protectDomain)
		statuses[storedKey] = status
	}
	return statusResponse(req, statuses)
}

// addToList stores data under a random content key, retrying with another
// key while the key is taken. Since each attempt is put-if-absent, concurrent
// adds never overwrite one another.
func (r *StorageRPC) addToList(key number.Key, data *storage.Data, publicKey ed25519.PublicKey, protectDomain bool) (number.Key, storage.Status) {
	for {
		listKey := number.NewKey(key.Location, key.Domain, number.Random(), key.Version)
		status := r.storage.Put(listKey, data, publicKey, true, protectDomain)
		if status != storage.StatusFailedNotAbsent {
			return listKey, status
		}
	}
}

func (r *StorageRPC) handlePutConfirm(req *message.Message) *message.Message {
	dataMap, _ := req.DataMap(0)
	statuses := make(map[number.Key]storage.Status, len(dataMap))
	if req.Type == message.TypeRequest1 {
		for key, data := range withOwner(dataMap, req.PublicKey) {
			statuses[key] = r.storage.PutConfirm(req.PublicKey, key, data)
		}
	} else {
		for key := range dataMap {
			statuses[key] = r.storage.PutReject(req.PublicKey, key)
		}
	}
	return statusResponse(req, statuses)
}

func (r *StorageRPC) handlePutMeta(req *message.Message) *message.Message {
	if req.Type == message.TypeRequest2 {
		domainKey := number.DomainKey{Location: req.Keys[0], Domain: req.Keys[1]}
		newPublicKey, _ := req.Buffer(0)
		status := r.storage.UpdateDomainMeta(domainKey, req.PublicKey, ed25519.PublicKey(newPublicKey))
		return statusResponse(req, map[number.Key]storage.Status{
			domainKey.Min(): status,
		})
	}

	dataMap, _ := req.DataMap(0)
	statuses := make(map[number.Key]storage.Status, len(dataMap))
	for key, data := range withOwner(dataMap, req.PublicKey) {
		statuses[key] = r.storage.UpdateMeta(req.PublicKey, key, data)
	}
	return statusResponse(req, statuses)
}

func (r *StorageRPC) handleGet(req *message.Message) *message.Message {
	resp := req.Response(message.TypeOK)
	resp.DataMaps = []storage.DataMap{r.get(decodeQuery(req))}
	return resp
}

func (r *StorageRPC) get(q Query) storage.DataMap {
	switch {
	case q.Keys != nil:
		return r.storage.GetKeys(q.Keys)
	case q.Range != nil:
		return r.storage.GetRange(q.Range.From, q.Range.To, q.Limit, !q.Descending)
	case q.hasFilter():
		dk := q.domainKey()
		return r.storage.GetBloom(dk.Min(), dk.Max(), q.ContentFilter, q.HashFilter, q.Limit, !q.Descending, !q.MatchAny)
	default:
		dk := q.domainKey()
		return r.storage.GetRange(dk.Min(), dk.Max(), q.Limit, !q.Descending)
	}
}

func (r *StorageRPC) handleGetLatest(req *message.Message) *message.Message {
	key := number.EntryKey{Location: req.Keys[0], Domain: req.Keys[1], Content: req.Keys[2]}
	resp := req.Response(message.TypeOK)
	resp.DataMaps = []storage.DataMap{r.storage.GetLatest(key)}
	if req.Type == message.TypeRequest2 {
		encodeDigest(resp, r.storage.Digest(key.Min(), key.Max(), storage.NoLimit, true))
	}
	return resp
}

func (r *StorageRPC) handleDigest(req *message.Message) (*message.Message, error) {
	q := decodeQuery(req)
	resp := req.Response(message.TypeOK)

	if req.Command == message.CommandDigestMetaValues {
		resp.DataMaps = []storage.DataMap{metaOnly(r.get(q))}
		return resp, nil
	}

	info := r.digest(q)
	if req.Command == message.CommandDigestBloomFilter {
		contentKeys, err := info.ContentKeyFilter(r.factory)
		if err != nil {
			return nil, fmt.Errorf("content key filter: %w", err)
		}
		contentHashes, err := info.ContentFilter(r.factory)
		if err != nil {
			return nil, fmt.Errorf("content filter: %w", err)
		}
		resp.BloomFilters = []*bloom.Filter{contentKeys, contentHashes}
		return resp, nil
	}

	encodeDigest(resp, info)
	return resp, nil
}

func (r *StorageRPC) digest(q Query) *digest.Info {
	switch {
	case q.Keys != nil:
		return r.storage.DigestKeys(q.Keys)
	case q.Range != nil:
		return r.storage.Digest(q.Range.From, q.Range.To, q.Limit, !q.Descending)
	case q.hasFilter():
		return r.storage.DigestBloom(q.domainKey(), q.ContentFilter, q.HashFilter, q.Limit, !q.Descending, !q.MatchAny)
	default:
		dk := q.domainKey()
		return r.storage.Digest(dk.Min(), dk.Max(), q.Limit, !q.Descending)
	}
}

func (r *StorageRPC) handleRemove(req *message.Message) *message.Message {
	q := decodeQuery(req)
	returnData := req.Type == message.TypeRequest2

	removed := make(storage.DataMap)
	var statuses map[number.Key]storage.Status
	switch {
	case q.Keys != nil:
		statuses = make(map[number.Key]storage.Status, len(q.Keys))
		for _, key := range q.Keys {
			data, status := r.storage.Remove(key, req.PublicKey, returnData)
			statuses[key] = status
			if data != nil {
				removed[key] = data
			}
		}
	case q.Range != nil:
		removed, statuses = r.storage.RemoveRange(q.Range.From, q.Range.To, req.PublicKey)
	default:
		dk := q.domainKey()
		removed, statuses = r.storage.RemoveRange(dk.Min(), dk.Max(), req.PublicKey)
	}

	if returnData {
		resp := req.Response(message.TypeOK)
		resp.DataMaps = []storage.DataMap{removed}
		return resp
	}
	return statusResponse(req, statuses)
}

func statusResponse(req *message.Message, statuses map[number.Key]storage.Status) *message.Message {
	resp := req.Response(aggregateType(statuses))
	resp.KeyMapBytes = []map[number.Key]byte{encodeStatuses(statuses)}
	return resp
}

// withOwner returns dataMap with protected entries that carry no public key
// owned by the key that signed the message.
func withOwner(dataMap storage.DataMap, publicKey ed25519.PublicKey) storage.DataMap {
	if publicKey == nil {
		return dataMap
	}
	result := make(storage.DataMap, len(dataMap))
	for key, data := range dataMap {
		if data.ProtectedEntry && data.PublicKey == nil {
			data = data.Duplicate()
			data.PublicKey = publicKey
		}
		result[key] = data
	}
	return result
}

func metaOnly(dataMap storage.DataMap) storage.DataMap {
	result := make(storage.DataMap, len(dataMap))
	for key, data := range dataMap {
		if data.IsMetaOnly() {
			result[key] = data
		} else {
			result[key] = data.Meta()
		}
	}
	return result
}

func responseDataMap(resp *message.Message, i int) storage.DataMap {
	dataMap, ok := resp.DataMap(i)
	if !ok {
		return make(storage.DataMap)
	}
	return dataMap
}
