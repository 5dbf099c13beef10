package bloom

const (
	randMultiplier = 0x5DEECE66D
	randAddend     = 0xB
	randMask       = (1 << 48) - 1
)

// javaRandom is the 48-bit linear congruential generator used to derive bit
// positions. Every peer must draw the same sequence from the same seed or
// their filters will disagree, so this reproduces the draw sequence of
// java.util.Random exactly.
type javaRandom struct {
	seed uint64
}

func newJavaRandom(seed int32) *javaRandom {
	// The seed is sign extended to 64 bits before scrambling.
	return &javaRandom{
		seed: (uint64(int64(seed)) ^ randMultiplier) & randMask,
	}
}

func (r *javaRandom) next(bits uint) int32 {
	r.seed = (r.seed*randMultiplier + randAddend) & randMask
	return int32(r.seed >> (48 - bits))
}

// nextInt returns a uniformly distributed value in [0, bound). bound must be
// positive.
func (r *javaRandom) nextInt(bound int32) int32 {
	if bound&-bound == bound {
		return int32((int64(bound) * int64(r.next(31))) >> 31)
	}

	for {
		bits := r.next(31)
		val := bits % bound
		// Rejects the values in the final partial range, relying on int32
		// overflow to detect them.
		if bits-val+(bound-1) >= 0 {
			return val
		}
	}
}

// positions returns the k bit positions in [0, size) for the given hash.
func positions(hash int32, k int, size int) []int {
	r := newJavaRandom(hash)
	p := make([]int, k)
	for i := 0; i != k; i++ {
		p[i] = int(r.nextInt(int32(size)))
	}
	return p
}
