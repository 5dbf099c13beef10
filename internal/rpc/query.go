package rpc

import (
	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/digest"
	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/storage"
)

// KeyRange is an inclusive range of keys.
type KeyRange struct {
	From number.Key
	To   number.Key
}

// Query selects entries under a location and domain for get, digest and
// remove requests. Keys takes precedence over Range, which takes precedence
// over the filters. With none set every entry of the domain is selected.
type Query struct {
	Location number.ID
	Domain   number.ID

	// Keys selects an explicit set of keys. Limit and order are ignored.
	Keys []number.Key
	// Range selects the keys in the range.
	Range *KeyRange

	// ContentFilter selects entries by content key and HashFilter by the
	// hash of their value. Either may be nil.
	ContentFilter *bloom.Filter
	HashFilter    *bloom.Filter
	// MatchAny inverts the filters to describe entries the caller already
	// has, selecting entries in neither filter. Otherwise entries must be
	// in both.
	MatchAny bool

	// Limit is the maximum number of entries selected, or storage.NoLimit.
	Limit      int
	Descending bool
}

// NewQuery returns a query selecting every entry of the domain.
func NewQuery(location number.ID, domain number.ID) Query {
	return Query{
		Location: location,
		Domain:   domain,
		Limit:    storage.NoLimit,
	}
}

func (q Query) domainKey() number.DomainKey {
	return number.DomainKey{Location: q.Location, Domain: q.Domain}
}

func (q Query) hasFilter() bool {
	return q.ContentFilter != nil || q.HashFilter != nil
}

// requestType encodes the order and filter mode.
func (q Query) requestType() message.Type {
	switch {
	case !q.Descending && !q.MatchAny:
		return message.TypeRequest1
	case q.Descending && !q.MatchAny:
		return message.TypeRequest2
	case !q.Descending && q.MatchAny:
		return message.TypeRequest3
	default:
		return message.TypeRequest4
	}
}

func (q Query) encode(m *message.Message) {
	m.Keys = append(m.Keys, q.Location, q.Domain)
	switch {
	case q.Keys != nil:
		m.KeyCollections = append(m.KeyCollections, q.Keys)
	case q.Range != nil:
		// A key collection with a limit is a range.
		m.KeyCollections = append(m.KeyCollections, []number.Key{q.Range.From, q.Range.To})
		m.Integers = append(m.Integers, int32(q.Limit))
	case q.hasFilter():
		m.BloomFilters = append(m.BloomFilters, q.ContentFilter, q.HashFilter)
		m.Integers = append(m.Integers, int32(q.Limit))
	default:
		m.Integers = append(m.Integers, int32(q.Limit))
	}
}

func decodeQuery(m *message.Message) Query {
	q := NewQuery(m.Keys[0], m.Keys[1])
	q.Descending = m.Type == message.TypeRequest2 || m.Type == message.TypeRequest4
	q.MatchAny = m.Type == message.TypeRequest3 || m.Type == message.TypeRequest4

	limit, hasLimit := m.Integer(0)
	if hasLimit {
		q.Limit = int(limit)
	}
	keys, hasKeys := m.KeyCollection(0)
	switch {
	case hasKeys && hasLimit:
		q.Range = &KeyRange{From: keys[0], To: keys[1]}
	case hasKeys:
		q.Keys = keys
	default:
		q.ContentFilter = m.BloomFilter(0)
		q.HashFilter = m.BloomFilter(1)
	}
	return q
}

// encodeDigest writes the digest as a data map of metadata entries, one per
// key, so the receiver can rebuild it exactly.
func encodeDigest(m *message.Message, info *digest.Info) {
	dataMap := make(storage.DataMap, info.Size())
	for _, key := range info.Keys() {
		hash, _ := info.ContentHash(key)
		dataMap[key] = storage.NewMetaData(hash)
	}
	m.DataMaps = append(m.DataMaps, dataMap)
}

func decodeDigest(dataMap storage.DataMap) *digest.Info {
	info := digest.New()
	for key, data := range dataMap {
		info.Put(key, data.Hash())
	}
	return info
}
