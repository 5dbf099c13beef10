package number

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Key is the composite key (location, domain, content, version) addressing a
// single entry. Keys are ordered lexicographically over the four fields.
type Key struct {
	Location ID
	Domain   ID
	Content  ID
	Version  ID
}

func NewKey(location, domain, content, version ID) Key {
	return Key{
		Location: location,
		Domain:   domain,
		Content:  content,
		Version:  version,
	}
}

func (k Key) Compare(o Key) int {
	if c := k.Location.Compare(o.Location); c != 0 {
		return c
	}
	if c := k.Domain.Compare(o.Domain); c != 0 {
		return c
	}
	if c := k.Content.Compare(o.Content); c != 0 {
		return c
	}
	return k.Version.Compare(o.Version)
}

func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// HashCode is the XOR of the hash codes of the four fields.
func (k Key) HashCode() int32 {
	return k.Location.HashCode() ^ k.Domain.HashCode() ^ k.Content.HashCode() ^ k.Version.HashCode()
}

func (k Key) DomainKey() DomainKey {
	return DomainKey{Location: k.Location, Domain: k.Domain}
}

func (k Key) EntryKey() EntryKey {
	return EntryKey{Location: k.Location, Domain: k.Domain, Content: k.Content}
}

// MinVersion returns the smallest key with the same location, domain and
// content.
func (k Key) MinVersion() Key {
	return k.EntryKey().Min()
}

// MaxVersion returns the largest key with the same location, domain and
// content.
func (k Key) MaxVersion() Key {
	return k.EntryKey().Max()
}

func (k Key) String() string {
	return fmt.Sprintf("[%s,%s,%s,%s]", k.Location, k.Domain, k.Content, k.Version)
}

func (k Key) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("location", k.Location.String())
	enc.AddString("domain", k.Domain.String())
	enc.AddString("content", k.Content.String())
	enc.AddString("version", k.Version.String())
	return nil
}

// DomainKey is the (location, domain) prefix of a Key. Domain ownership is
// tracked per DomainKey.
type DomainKey struct {
	Location ID
	Domain   ID
}

func (k DomainKey) Min() Key {
	return Key{Location: k.Location, Domain: k.Domain, Content: Zero, Version: Zero}
}

func (k DomainKey) Max() Key {
	return Key{Location: k.Location, Domain: k.Domain, Content: Max, Version: Max}
}

func (k DomainKey) String() string {
	return fmt.Sprintf("[%s,%s]", k.Location, k.Domain)
}

// EntryKey is the (location, domain, content) prefix of a Key. All versions
// of an entry share an EntryKey.
type EntryKey struct {
	Location ID
	Domain   ID
	Content  ID
}

func (k EntryKey) DomainKey() DomainKey {
	return DomainKey{Location: k.Location, Domain: k.Domain}
}

func (k EntryKey) WithVersion(version ID) Key {
	return Key{Location: k.Location, Domain: k.Domain, Content: k.Content, Version: version}
}

func (k EntryKey) Min() Key {
	return k.WithVersion(Zero)
}

func (k EntryKey) Max() Key {
	return k.WithVersion(Max)
}

func (k EntryKey) String() string {
	return fmt.Sprintf("[%s,%s,%s]", k.Location, k.Domain, k.Content)
}
