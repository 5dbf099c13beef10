package storage

import (
	"crypto/ed25519"
	"time"

	"github.com/andydunstall/kadstore/internal/number"
)

// Backend persists entries and ownership. It has no locking of its own; the
// Layer serialises access.
type Backend interface {
	Put(key number.Key, data *Data) (*Data, bool)
	Get(key number.Key) (*Data, bool)
	Contains(key number.Key) bool
	Remove(key number.Key) (*Data, bool)
	// Ascend calls fn for each entry in [from, to] in ascending order until
	// fn returns false.
	Ascend(from number.Key, to number.Key, fn func(number.Key, *Data) bool)
	// Descend calls fn for each entry in [from, to] in descending order until
	// fn returns false.
	Descend(from number.Key, to number.Key, fn func(number.Key, *Data) bool)
	Len() int

	DomainOwner(key number.DomainKey) (ed25519.PublicKey, bool)
	ProtectDomain(key number.DomainKey, publicKey ed25519.PublicKey)
	EntryOwner(key number.EntryKey) (ed25519.PublicKey, bool)
	ProtectEntry(key number.EntryKey, publicKey ed25519.PublicKey)

	AddTimeout(key number.Key, expiry time.Time)
	RemoveTimeout(key number.Key)
	// Expired returns the keys whose timeout is at or before now.
	Expired(now time.Time) []number.Key
}
