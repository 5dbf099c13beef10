package bloom

import (
	"fmt"
	"testing"

	"github.com/andydunstall/kadstore/internal/number"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f, err := NewWithRate(0.01, 500)
	require.NoError(t, err)

	var added []number.ID
	for i := 0; i != 500; i++ {
		id := number.HashString(fmt.Sprintf("member-%d", i))
		f.Add(id)
		added = append(added, id)
	}
	for _, id := range added {
		assert.True(t, f.Contains(id))
	}
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	f, err := NewWithRate(0.01, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1199, f.ByteArraySize())
	assert.Equal(t, 7, f.K())

	for i := 0; i != 1000; i++ {
		f.Add(number.HashString(fmt.Sprintf("member-%d", i)))
	}

	falsePositives := 0
	samples := 20000
	for i := 0; i != samples; i++ {
		if f.Contains(number.HashString(fmt.Sprintf("other-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(samples)
	assert.Less(t, rate, 0.015)
}

func TestFilter_DeterministicBits(t *testing.T) {
	build := func() *Filter {
		f, err := New(10, 3)
		require.NoError(t, err)
		for _, s := range []string{"a", "b", "c"} {
			f.Add(number.HashString(s))
		}
		return f
	}

	f1 := build()
	f2 := build()
	assert.Equal(t, 19, f1.K())
	assert.Equal(t, []byte{108, 25, 89, 51, 170, 97, 251, 125, 176, 84}, f1.Bytes())
	assert.True(t, f1.Equal(f2))
	assert.Equal(t, f1.Encode(), f2.Encode())
}

func TestFilter_Encode(t *testing.T) {
	f, err := New(10, 3)
	require.NoError(t, err)
	for _, s := range []string{"a", "b", "c"} {
		f.Add(number.HashString(s))
	}

	b := f.Encode()
	assert.Equal(t, []byte{
		0x0, 0x10, // Total length
		0x0, 0x0, 0x0, 0x3, // Expected elements
		108, 25, 89, 51, 170, 97, 251, 125, 176, 84, // Bit array
	}, b)

	decoded, n, err := Decode(append(b, 0xff))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.True(t, f.Equal(decoded))
	assert.Equal(t, f.K(), decoded.K())
}

func TestFilter_DecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", []byte{}},
		{"short-header", []byte{0x0, 0x10, 0x0}},
		{"truncated-bits", []byte{0x0, 0x10, 0x0, 0x0, 0x0, 0x3, 0x1}},
		{"no-bits", []byte{0x0, 0x6, 0x0, 0x0, 0x0, 0x3}},
		// 16 bytes for one element gives k = 89.
		{"too-many-hashes", append([]byte{0x0, 0x16, 0x0, 0x0, 0x0, 0x1}, make([]byte, 16)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.buf)
			assert.ErrorIs(t, err, ErrInvalidSize)
		})
	}
}

func TestFilter_Merge(t *testing.T) {
	a, err := New(64, 20)
	require.NoError(t, err)
	b, err := New(64, 20)
	require.NoError(t, err)

	for i := 0; i != 20; i++ {
		a.Add(number.HashString(fmt.Sprintf("a-%d", i)))
		b.Add(number.HashString(fmt.Sprintf("b-%d", i)))
	}

	merged, err := a.Merge(b)
	require.NoError(t, err)
	for i := 0; i != 200; i++ {
		for _, prefix := range []string{"a", "b", "c"} {
			id := number.HashString(fmt.Sprintf("%s-%d", prefix, i))
			assert.Equal(t, a.Contains(id) || b.Contains(id), merged.Contains(id))
		}
	}

	other, err := New(32, 20)
	require.NoError(t, err)
	_, err = a.Merge(other)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestFilter_Not(t *testing.T) {
	f, err := New(8, 4)
	require.NoError(t, err)
	f.Add(number.HashString("x"))

	inverted := f.Not()
	assert.Equal(t, 64, f.Cardinality()+inverted.Cardinality())
	assert.True(t, f.Not().Not().Equal(f))
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New(0, 10)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = New(MaxByteArraySize+1, 10)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = NewWithRate(1.5, 10)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = New(MaxByteArraySize, 1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}
