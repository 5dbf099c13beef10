package number

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey_Compare(t *testing.T) {
	a := NewKey(FromUint64(1), FromUint64(2), FromUint64(3), FromUint64(4))
	tests := []struct {
		name string
		b    Key
		cmp  int
	}{
		{"equal", NewKey(FromUint64(1), FromUint64(2), FromUint64(3), FromUint64(4)), 0},
		{"location-wins", NewKey(FromUint64(2), Zero, Zero, Zero), -1},
		{"domain", NewKey(FromUint64(1), FromUint64(1), Max, Max), 1},
		{"content", NewKey(FromUint64(1), FromUint64(2), FromUint64(4), Zero), -1},
		{"version", NewKey(FromUint64(1), FromUint64(2), FromUint64(3), FromUint64(3)), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.cmp, a.Compare(tt.b))
		})
	}
}

func TestKey_HashCodeIsXorOfFields(t *testing.T) {
	k := NewKey(HashString("loc1"), HashString("dom1"), HashString("c1"), Zero)
	assert.Equal(t, int32(-1764945032^934506875^-2096897559), k.HashCode())
}

func TestKey_VersionBounds(t *testing.T) {
	k := NewKey(HashString("loc"), HashString("dom"), HashString("c"), HashString("v"))
	assert.True(t, k.MinVersion().Compare(k) <= 0)
	assert.True(t, k.MaxVersion().Compare(k) >= 0)
	assert.Equal(t, k.EntryKey(), k.MinVersion().EntryKey())

	d := k.DomainKey()
	assert.True(t, d.Min().Less(k))
	assert.True(t, k.Less(d.Max()))
}
