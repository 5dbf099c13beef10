package bloom

import "math"

const (
	DefaultFalsePositiveRate = 0.01
)

// Factory sizes the filters a peer sends. Callers choose the trade off between
// false positive rate and message size by choosing the factory.
type Factory interface {
	// NewFilter returns an empty filter for the given number of elements.
	NewFilter(expectedElements int) (*Filter, error)
}

// RateFactory sizes filters to a target false positive rate.
type RateFactory struct {
	FalsePositiveRate float64
}

func NewRateFactory(falsePositiveRate float64) *RateFactory {
	return &RateFactory{
		FalsePositiveRate: falsePositiveRate,
	}
}

func (f *RateFactory) NewFilter(expectedElements int) (*Filter, error) {
	return NewWithRate(f.FalsePositiveRate, expectedElements)
}

// FixedSizeFactory always returns filters with the same bit array size, which
// keeps message sizes predictable at the cost of a rising false positive rate
// for large sets. Small sets are sized as if they had enough elements to keep
// k within MaxHashCount.
type FixedSizeFactory struct {
	ByteArraySize int
}

func NewFixedSizeFactory(byteArraySize int) *FixedSizeFactory {
	return &FixedSizeFactory{
		ByteArraySize: byteArraySize,
	}
}

func (f *FixedSizeFactory) NewFilter(expectedElements int) (*Filter, error) {
	minElements := int(math.Ceil(float64(f.ByteArraySize*8) * math.Ln2 / MaxHashCount))
	if expectedElements < minElements {
		expectedElements = minElements
	}
	return New(f.ByteArraySize, expectedElements)
}

func DefaultFactory() Factory {
	return NewRateFactory(DefaultFalsePositiveRate)
}
