package number

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// IDLen is the size of an identifier in bytes.
	IDLen = 20

	wordLen   = 4
	wordCount = IDLen / wordLen
)

// ID is a 160-bit unsigned identifier stored big-endian. It addresses both
// peers and content in the key space.
type ID [IDLen]byte

var (
	// Zero is the reserved identifier used for missing key fields.
	Zero = ID{}
	// Max is the largest identifier, used as the upper bound of ranges.
	Max = func() ID {
		var id ID
		for i := range id {
			id[i] = 0xff
		}
		return id
	}()
)

// NewID returns the identifier with the given big-endian bytes. b must be
// exactly IDLen bytes.
func NewID(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("invalid id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromUint64 returns an identifier whose low 64 bits are n.
func FromUint64(n uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[IDLen-8:], n)
	return id
}

// NewVersion returns a version identifier prefixed with the given timestamp
// and filled with the leading bytes of hash. Versions created this way sort
// by timestamp.
func NewVersion(timestamp int64, hash ID) ID {
	var id ID
	binary.BigEndian.PutUint64(id[:8], uint64(timestamp))
	copy(id[8:], hash[:IDLen-8])
	return id
}

// Hash returns the SHA-1 of b.
func Hash(b []byte) ID {
	return ID(sha1.Sum(b))
}

// HashString returns the SHA-1 of the UTF-8 bytes of s.
func HashString(s string) ID {
	return Hash([]byte(s))
}

// Random returns a random identifier.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("failed to read random bytes: " + err.Error())
	}
	return id
}

// ParseHex parses an identifier from its hex representation.
func ParseHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id: %w", err)
	}
	return NewID(b)
}

func (id ID) Xor(o ID) ID {
	var r ID
	for i := range id {
		r[i] = id[i] ^ o[i]
	}
	return r
}

// Compare compares the identifiers as unsigned integers.
func (id ID) Compare(o ID) int {
	return bytes.Compare(id[:], o[:])
}

func (id ID) Less(o ID) bool {
	return id.Compare(o) < 0
}

func (id ID) IsZero() bool {
	return id == Zero
}

// Timestamp returns the high 64 bits, which hold the timestamp of identifiers
// created with NewVersion.
func (id ID) Timestamp() int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}

// HashCode folds the five 32-bit words of the identifier into a 32-bit hash
// with the polynomial 31*h + word. Bloom filter positions are derived from
// this value so it must be identical on every peer.
func (id ID) HashCode() int32 {
	var h uint32
	for i := 0; i != wordCount; i++ {
		h = 31*h + binary.BigEndian.Uint32(id[i*wordLen:(i+1)*wordLen])
	}
	return int32(h)
}

func (id ID) Bytes() []byte {
	b := make([]byte, IDLen)
	copy(b, id[:])
	return b
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR distance between a and b.
func Distance(a, b ID) ID {
	return a.Xor(b)
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b ID) bool {
	return Distance(target, a).Less(Distance(target, b))
}
