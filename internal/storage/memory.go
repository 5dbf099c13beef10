package storage

import (
	"crypto/ed25519"
	"time"

	"github.com/andydunstall/kadstore/internal/number"
	"github.com/google/btree"
)

const (
	btreeDegree = 32
)

type item struct {
	key  number.Key
	data *Data
}

func itemLess(a, b item) bool {
	return a.key.Less(b.key)
}

// MemoryBackend is an in-memory Backend keeping entries sorted by key in a
// B-tree so range scans are ordered.
type MemoryBackend struct {
	entries  *btree.BTreeG[item]
	domains  map[number.DomainKey]ed25519.PublicKey
	owners   map[number.EntryKey]ed25519.PublicKey
	timeouts map[number.Key]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  btree.NewG[item](btreeDegree, itemLess),
		domains:  make(map[number.DomainKey]ed25519.PublicKey),
		owners:   make(map[number.EntryKey]ed25519.PublicKey),
		timeouts: make(map[number.Key]time.Time),
	}
}

func (b *MemoryBackend) Put(key number.Key, data *Data) (*Data, bool) {
	old, ok := b.entries.ReplaceOrInsert(item{key: key, data: data})
	return old.data, ok
}

func (b *MemoryBackend) Get(key number.Key) (*Data, bool) {
	it, ok := b.entries.Get(item{key: key})
	return it.data, ok
}

func (b *MemoryBackend) Contains(key number.Key) bool {
	return b.entries.Has(item{key: key})
}

func (b *MemoryBackend) Remove(key number.Key) (*Data, bool) {
	it, ok := b.entries.Delete(item{key: key})
	return it.data, ok
}

func (b *MemoryBackend) Ascend(from number.Key, to number.Key, fn func(number.Key, *Data) bool) {
	b.entries.AscendGreaterOrEqual(item{key: from}, func(it item) bool {
		if to.Less(it.key) {
			return false
		}
		return fn(it.key, it.data)
	})
}

func (b *MemoryBackend) Descend(from number.Key, to number.Key, fn func(number.Key, *Data) bool) {
	b.entries.DescendLessOrEqual(item{key: to}, func(it item) bool {
		if it.key.Less(from) {
			return false
		}
		return fn(it.key, it.data)
	})
}

func (b *MemoryBackend) Len() int {
	return b.entries.Len()
}

func (b *MemoryBackend) DomainOwner(key number.DomainKey) (ed25519.PublicKey, bool) {
	pk, ok := b.domains[key]
	return pk, ok
}

func (b *MemoryBackend) ProtectDomain(key number.DomainKey, publicKey ed25519.PublicKey) {
	b.domains[key] = publicKey
}

func (b *MemoryBackend) EntryOwner(key number.EntryKey) (ed25519.PublicKey, bool) {
	pk, ok := b.owners[key]
	return pk, ok
}

func (b *MemoryBackend) ProtectEntry(key number.EntryKey, publicKey ed25519.PublicKey) {
	b.owners[key] = publicKey
}

func (b *MemoryBackend) AddTimeout(key number.Key, expiry time.Time) {
	b.timeouts[key] = expiry
}

func (b *MemoryBackend) RemoveTimeout(key number.Key) {
	delete(b.timeouts, key)
}

func (b *MemoryBackend) Expired(now time.Time) []number.Key {
	var expired []number.Key
	for key, expiry := range b.timeouts {
		if !expiry.After(now) {
			expired = append(expired, key)
		}
	}
	return expired
}
