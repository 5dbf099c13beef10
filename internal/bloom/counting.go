package bloom

import (
	"fmt"
	"math"
)

// CountingFilter replaces each bit with a saturating counter so it can also
// estimate how many times an element was added.
type CountingFilter struct {
	counters         []int32
	expectedElements int
	k                int
}

// NewCounting returns a counting filter with size counters sized for
// expectedElements elements.
func NewCounting(size int, expectedElements int) (*CountingFilter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d counters", ErrInvalidSize, size)
	}
	return &CountingFilter{
		counters:         make([]int32, size),
		expectedElements: expectedElements,
		k:                hashCount(size, expectedElements),
	}, nil
}

// NewCountingWithRate returns a counting filter sized by the same formula as
// NewWithRate, with one counter per bit.
func NewCountingWithRate(falsePositive float64, expectedElements int) (*CountingFilter, error) {
	if falsePositive <= 0 || falsePositive >= 1 {
		return nil, fmt.Errorf("%w: false positive rate %f", ErrInvalidSize, falsePositive)
	}
	return NewCounting(byteArraySizeFor(falsePositive, expectedElements)*8, expectedElements)
}

func (f *CountingFilter) Add(item Hashable) {
	for _, p := range positions(item.HashCode(), f.k, len(f.counters)) {
		if f.counters[p] != math.MaxInt32 {
			f.counters[p]++
		}
	}
}

// Remove decrements the counters of item. Saturated counters are left alone
// as their true count is unknown.
func (f *CountingFilter) Remove(item Hashable) {
	if !f.Contains(item) {
		return
	}
	for _, p := range positions(item.HashCode(), f.k, len(f.counters)) {
		if f.counters[p] != math.MaxInt32 && f.counters[p] > 0 {
			f.counters[p]--
		}
	}
}

func (f *CountingFilter) Contains(item Hashable) bool {
	for _, p := range positions(item.HashCode(), f.k, len(f.counters)) {
		if f.counters[p] == 0 {
			return false
		}
	}
	return true
}

// ApproximateCount returns the minimum counter over the k slots of item. It
// never underestimates the number of times item was added.
func (f *CountingFilter) ApproximateCount(item Hashable) int32 {
	count := int32(math.MaxInt32)
	for _, p := range positions(item.HashCode(), f.k, len(f.counters)) {
		if f.counters[p] < count {
			count = f.counters[p]
		}
	}
	return count
}

func (f *CountingFilter) K() int {
	return f.k
}

func (f *CountingFilter) ExpectedElements() int {
	return f.expectedElements
}
