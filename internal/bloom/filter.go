package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
)

const (
	sizeHeaderLen     = 2
	elementsHeaderLen = 4
	// HeaderLen is the size of the filter header on the wire.
	HeaderLen = sizeHeaderLen + elementsHeaderLen
	// MaxByteArraySize is the largest bit array that fits the 2 byte length
	// header.
	MaxByteArraySize = math.MaxUint16 - HeaderLen
	// MaxHashCount bounds k, and so the work of every Add and Contains. A
	// filter whose size and expected elements give a larger k is rejected.
	MaxHashCount = 64
)

var (
	ErrSizeMismatch = errors.New("bloom filters have different sizes")
	ErrInvalidSize  = errors.New("invalid bloom filter size")
)

// Hashable is implemented by anything that can be added to a filter.
// number.ID and number.Key implement it.
type Hashable interface {
	HashCode() int32
}

// Filter is a bloom filter with a fixed size bit array. k is always derived
// from the bit array size and the expected number of elements, so two peers
// that agree on those two values agree on every bit position.
//
// Filter is not thread safe.
type Filter struct {
	bits             *bitset.BitSet
	byteArraySize    int
	expectedElements int
	k                int
}

// New returns an empty filter with a bit array of byteArraySize bytes sized
// for expectedElements elements.
func New(byteArraySize int, expectedElements int) (*Filter, error) {
	if byteArraySize <= 0 || byteArraySize > MaxByteArraySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, byteArraySize)
	}
	if expectedElements < 0 {
		return nil, fmt.Errorf("%w: %d expected elements", ErrInvalidSize, expectedElements)
	}
	k := hashCount(byteArraySize*8, expectedElements)
	if k > MaxHashCount {
		return nil, fmt.Errorf("%w: %d hashes for %d bytes and %d expected elements", ErrInvalidSize, k, byteArraySize, expectedElements)
	}
	return &Filter{
		bits:             bitset.New(uint(byteArraySize * 8)),
		byteArraySize:    byteArraySize,
		expectedElements: expectedElements,
		k:                k,
	}, nil
}

// NewWithRate returns an empty filter sized so that after expectedElements
// insertions the false positive rate is at most falsePositive. The bit array
// is rounded up to a whole number of bytes.
func NewWithRate(falsePositive float64, expectedElements int) (*Filter, error) {
	if falsePositive <= 0 || falsePositive >= 1 {
		return nil, fmt.Errorf("%w: false positive rate %f", ErrInvalidSize, falsePositive)
	}
	return New(byteArraySizeFor(falsePositive, expectedElements), expectedElements)
}

func byteArraySizeFor(falsePositive float64, expectedElements int) int {
	n := float64(elements(expectedElements))
	m := math.Ceil(-math.Log(falsePositive) / (math.Ln2 * math.Ln2) * n)
	return int(math.Ceil(m / 8))
}

// hashCount is k = ceil(m/n * ln 2), with at least one hash.
func hashCount(bitArraySize int, expectedElements int) int {
	k := int(math.Ceil(float64(bitArraySize) / float64(elements(expectedElements)) * math.Ln2))
	if k < 1 {
		return 1
	}
	return k
}

func elements(expectedElements int) int {
	if expectedElements < 1 {
		return 1
	}
	return expectedElements
}

func (f *Filter) Add(item Hashable) {
	for _, p := range positions(item.HashCode(), f.k, f.bitArraySize()) {
		f.bits.Set(uint(p))
	}
}

// Contains reports whether item may have been added. It never returns false
// for an added item.
func (f *Filter) Contains(item Hashable) bool {
	for _, p := range positions(item.HashCode(), f.k, f.bitArraySize()) {
		if !f.bits.Test(uint(p)) {
			return false
		}
	}
	return true
}

// Merge returns a new filter containing the union of f and o.
func (f *Filter) Merge(o *Filter) (*Filter, error) {
	if f.byteArraySize != o.byteArraySize {
		return nil, fmt.Errorf("%w: %d != %d", ErrSizeMismatch, f.byteArraySize, o.byteArraySize)
	}
	merged := f.clone()
	merged.bits.InPlaceUnion(o.bits)
	return merged, nil
}

// Not returns a new filter with every bit of the array flipped.
func (f *Filter) Not() *Filter {
	inverted := f.clone()
	inverted.bits = f.bits.Complement()
	return inverted
}

func (f *Filter) K() int {
	return f.k
}

func (f *Filter) ByteArraySize() int {
	return f.byteArraySize
}

func (f *Filter) ExpectedElements() int {
	return f.expectedElements
}

// ExpectedFalsePositiveRate returns (1 - e^(-kn/m))^k.
func (f *Filter) ExpectedFalsePositiveRate() float64 {
	k := float64(f.k)
	n := float64(elements(f.expectedElements))
	return math.Pow(1-math.Exp(-k*n/float64(f.bitArraySize())), k)
}

// Cardinality returns the number of set bits.
func (f *Filter) Cardinality() int {
	return int(f.bits.Count())
}

func (f *Filter) Equal(o *Filter) bool {
	return f.byteArraySize == o.byteArraySize &&
		f.expectedElements == o.expectedElements &&
		f.bits.Equal(o.bits)
}

// Bytes returns the bit array with bit i stored in byte i/8 at position i%8.
func (f *Filter) Bytes() []byte {
	b := make([]byte, f.byteArraySize)
	for i, word := range f.bits.Bytes() {
		for j := 0; j != 8; j++ {
			idx := i*8 + j
			if idx >= len(b) {
				return b
			}
			b[idx] = byte(word >> (8 * j))
		}
	}
	return b
}

// EncodedLen returns the size of the filter on the wire.
func (f *Filter) EncodedLen() int {
	return HeaderLen + f.byteArraySize
}

// Encode writes the filter as a 2 byte total length, a 4 byte expected element
// count and the bit array.
func (f *Filter) Encode() []byte {
	b := make([]byte, f.EncodedLen())
	binary.BigEndian.PutUint16(b[0:sizeHeaderLen], uint16(f.EncodedLen()))
	binary.BigEndian.PutUint32(b[sizeHeaderLen:HeaderLen], uint32(int32(f.expectedElements)))
	copy(b[HeaderLen:], f.Bytes())
	return b
}

// Decode reads a filter written by Encode from the start of b and returns it
// with the number of bytes consumed.
func Decode(b []byte) (*Filter, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, fmt.Errorf("%w: buf too small for header", ErrInvalidSize)
	}
	total := int(binary.BigEndian.Uint16(b[0:sizeHeaderLen]))
	expectedElements := int(int32(binary.BigEndian.Uint32(b[sizeHeaderLen:HeaderLen])))
	if total <= HeaderLen || len(b) < total {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrInvalidSize, total)
	}

	f, err := New(total-HeaderLen, expectedElements)
	if err != nil {
		return nil, 0, err
	}
	for i, v := range b[HeaderLen:total] {
		for j := 0; j != 8; j++ {
			if v&(1<<j) != 0 {
				f.bits.Set(uint(i*8 + j))
			}
		}
	}
	return f, total, nil
}

func (f *Filter) bitArraySize() int {
	return f.byteArraySize * 8
}

func (f *Filter) clone() *Filter {
	return &Filter{
		bits:             f.bits.Clone(),
		byteArraySize:    f.byteArraySize,
		expectedElements: f.expectedElements,
		k:                f.k,
	}
}
