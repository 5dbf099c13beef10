package storage

import (
	"bytes"
	"crypto/ed25519"
	"sort"
	"time"

	"github.com/andydunstall/kadstore/internal/number"
	"go.uber.org/zap/zapcore"
)

// Data is the value stored under a key along with its metadata.
type Data struct {
	Value []byte
	// BasedOn contains the version keys this version was derived from. An
	// empty set marks the first version of an entry.
	BasedOn []number.ID
	// TTLSeconds is the time to live from ValidFrom. Zero or negative never
	// expires.
	TTLSeconds int32
	ValidFrom  time.Time
	// ProtectedEntry requests that the entry is claimed by PublicKey.
	ProtectedEntry bool
	PublicKey      ed25519.PublicKey
	// Prepared marks a staged entry that is invisible to readers until
	// confirmed.
	Prepared bool

	// metaOnly is set for metadata copies, which carry the hash of the value
	// but not the value itself.
	metaOnly bool
	hash     number.ID
}

func NewData(value []byte) *Data {
	return &Data{
		Value: value,
	}
}

// NewMetaData returns a metadata copy carrying only the hash of the value.
func NewMetaData(hash number.ID) *Data {
	return &Data{
		metaOnly: true,
		hash:     hash,
	}
}

// Hash returns the SHA-1 of the value.
func (d *Data) Hash() number.ID {
	if d.metaOnly {
		return d.hash
	}
	return number.Hash(d.Value)
}

func (d *Data) IsMetaOnly() bool {
	return d.metaOnly
}

// Meta returns a copy of d without the value.
func (d *Data) Meta() *Data {
	m := d.Duplicate()
	m.hash = d.Hash()
	m.metaOnly = true
	m.Value = nil
	return m
}

// Duplicate returns a deep copy of d.
func (d *Data) Duplicate() *Data {
	c := *d
	if d.Value != nil {
		c.Value = append([]byte(nil), d.Value...)
	}
	if d.BasedOn != nil {
		c.BasedOn = append([]number.ID(nil), d.BasedOn...)
	}
	if d.PublicKey != nil {
		c.PublicKey = append(ed25519.PublicKey(nil), d.PublicKey...)
	}
	return &c
}

// ExpiresAt returns when the data expires, or false if it never expires.
func (d *Data) ExpiresAt() (time.Time, bool) {
	if d.TTLSeconds <= 0 {
		return time.Time{}, false
	}
	return d.ValidFrom.Add(time.Duration(d.TTLSeconds) * time.Second), true
}

// BasedOnEqual reports whether both versions are based on the same set of
// versions, ignoring order.
func (d *Data) BasedOnEqual(o *Data) bool {
	if len(d.BasedOn) != len(o.BasedOn) {
		return false
	}
	a := sortedIDs(d.BasedOn)
	b := sortedIDs(o.BasedOn)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *Data) Equal(o *Data) bool {
	return d.Hash() == o.Hash() &&
		d.BasedOnEqual(o) &&
		d.TTLSeconds == o.TTLSeconds &&
		d.ProtectedEntry == o.ProtectedEntry &&
		bytes.Equal(d.PublicKey, o.PublicKey) &&
		d.Prepared == o.Prepared
}

func (d *Data) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("size", len(d.Value))
	enc.AddString("hash", d.Hash().String())
	enc.AddInt32("ttl", d.TTLSeconds)
	enc.AddBool("protected", d.ProtectedEntry)
	enc.AddBool("prepared", d.Prepared)
	return nil
}

func sortedIDs(ids []number.ID) []number.ID {
	s := append([]number.ID(nil), ids...)
	sort.Slice(s, func(i, j int) bool {
		return s[i].Less(s[j])
	})
	return s
}

// DataMap maps keys to entries.
type DataMap map[number.Key]*Data

// SortedKeys returns the keys in ascending order.
func (m DataMap) SortedKeys() []number.Key {
	keys := make([]number.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	return keys
}
