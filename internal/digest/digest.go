package digest

import (
	"sort"
	"sync"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/number"
	"go.uber.org/zap/zapcore"
)

// Info summarises a set of entries so two peers can check whether they store
// the same entries without transferring them. Peers agree iff their key
// digest, content digest and size match.
//
// An Info is either precomputed (as received from a remote peer) or built from
// a live map of keys to content hashes, in which case the digests are computed
// lazily, once.
type Info struct {
	// entries maps each key to the hash of its value. Nil if precomputed.
	entries map[number.Key]number.ID

	once          sync.Once
	keyDigest     number.ID
	contentDigest number.ID
	size          int
}

// New returns a live Info to be populated with Put.
func New() *Info {
	return &Info{
		entries: make(map[number.Key]number.ID),
	}
}

// NewPrecomputed returns an Info from digests computed elsewhere.
func NewPrecomputed(keyDigest number.ID, contentDigest number.ID, size int) *Info {
	d := &Info{
		keyDigest:     keyDigest,
		contentDigest: contentDigest,
		size:          size,
	}
	// Mark as computed so the digests are never overwritten.
	d.once.Do(func() {})
	return d
}

// Put adds an entry. Must not be called once the digests have been read.
func (d *Info) Put(key number.Key, contentHash number.ID) {
	d.entries[key] = contentHash
}

// KeyDigest is the XOR of all four fields of every key.
func (d *Info) KeyDigest() number.ID {
	d.process()
	return d.keyDigest
}

// ContentDigest is the XOR of the content hashes of every entry.
func (d *Info) ContentDigest() number.ID {
	d.process()
	return d.contentDigest
}

func (d *Info) Size() int {
	d.process()
	return d.size
}

func (d *Info) IsEmpty() bool {
	return d.Size() == 0
}

func (d *Info) Equal(o *Info) bool {
	return d.Size() == o.Size() &&
		d.KeyDigest() == o.KeyDigest() &&
		d.ContentDigest() == o.ContentDigest()
}

// Keys returns the keys of a live Info in ascending order. A precomputed Info
// has no keys.
func (d *Info) Keys() []number.Key {
	keys := make([]number.Key, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	return keys
}

// ContentHash returns the content hash stored for key.
func (d *Info) ContentHash(key number.Key) (number.ID, bool) {
	h, ok := d.entries[key]
	return h, ok
}

// ContentKeyFilter projects the content keys into a filter sized by factory.
func (d *Info) ContentKeyFilter(factory bloom.Factory) (*bloom.Filter, error) {
	return d.project(factory, func(k number.Key, _ number.ID) bloom.Hashable {
		return k.Content
	})
}

// ContentFilter projects the content hashes into a filter sized by factory.
func (d *Info) ContentFilter(factory bloom.Factory) (*bloom.Filter, error) {
	return d.project(factory, func(_ number.Key, h number.ID) bloom.Hashable {
		return h
	})
}

func (d *Info) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("key-digest", d.KeyDigest().String())
	enc.AddString("content-digest", d.ContentDigest().String())
	enc.AddInt("size", d.Size())
	return nil
}

func (d *Info) project(factory bloom.Factory, item func(number.Key, number.ID) bloom.Hashable) (*bloom.Filter, error) {
	f, err := factory.NewFilter(len(d.entries))
	if err != nil {
		return nil, err
	}
	for k, h := range d.entries {
		f.Add(item(k, h))
	}
	return f, nil
}

func (d *Info) process() {
	d.once.Do(func() {
		var keyDigest, contentDigest number.ID
		for k, h := range d.entries {
			keyDigest = keyDigest.Xor(k.Location).Xor(k.Domain).Xor(k.Content).Xor(k.Version)
			contentDigest = contentDigest.Xor(h)
		}
		d.keyDigest = keyDigest
		d.contentDigest = contentDigest
		d.size = len(d.entries)
	})
}
