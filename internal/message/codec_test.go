package message

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPing() *Message {
	m := NewRequest(
		peer.NewAddress(number.FromUint64(1), "a:1"),
		peer.NewAddress(number.FromUint64(2), "b:2"),
		CommandPing,
		TypeRequest1,
		1,
	)
	m.ID = 0x01020304
	return m
}

func testSigner() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
}

func TestCodec_EncodePing(t *testing.T) {
	b, err := Encode(testPing(), nil)
	require.NoError(t, err)

	expected := []byte{
		0x0, 0x0, 0x0, 0x1, // Version
		0x1, 0x2, 0x3, 0x4, // ID
		0x0, // Command
		0x0, // Type
	}
	expected = append(expected, make([]byte, 19)...)
	expected = append(expected, 0x1, 0x3, 'a', ':', '1') // Sender
	expected = append(expected, make([]byte, 19)...)
	expected = append(expected, 0x2, 0x3, 'b', ':', '2') // Recipient
	expected = append(expected, make([]byte, 8)...)      // Empty payload
	expected = append(expected, 0x0)                     // Unsigned
	assert.Equal(t, expected, b)
}

func TestCodec_EncodeDecodeSigned(t *testing.T) {
	signer := testSigner()
	publicKey := signer.Public().(ed25519.PublicKey)

	k1 := number.NewKey(
		number.HashString("loc"), number.HashString("dom"),
		number.HashString("c1"), number.FromUint64(1),
	)
	k2 := number.NewKey(
		number.HashString("loc"), number.HashString("dom"),
		number.HashString("c2"), number.FromUint64(2),
	)

	d1 := storage.NewData([]byte("value-1"))
	d1.BasedOn = []number.ID{number.FromUint64(7), number.FromUint64(8)}
	d1.TTLSeconds = 60
	d1.ValidFrom = time.UnixMilli(1700000000123)
	d1.ProtectedEntry = true
	d1.PublicKey = publicKey
	d2 := storage.NewData([]byte("value-2")).Meta()
	d2.Prepared = true

	f, err := bloom.New(16, 2)
	require.NoError(t, err)
	f.Add(number.HashString("a"))

	m := NewRequest(
		peer.NewAddress(number.FromUint64(1), "10.26.104.52:8119"),
		peer.NewAddress(number.FromUint64(2), "10.26.104.11:9222"),
		CommandPut,
		TypeRequest2,
		5,
	)
	m.ID = 99
	m.Keys = []number.ID{number.HashString("loc"), number.HashString("dom")}
	m.Integers = []int32{-1, 1000}
	m.KeyCollections = [][]number.Key{{k1, k2}, {}}
	m.DataMaps = []storage.DataMap{{k1: d1, k2: d2}}
	m.BloomFilters = []*bloom.Filter{nil, f}
	m.KeyMapBytes = []map[number.Key]byte{{k1: byte(storage.StatusOK), k2: byte(storage.StatusVersionConflict)}}
	m.Neighbors = [][]peer.Address{{
		peer.NewAddress(number.FromUint64(3), "10.26.104.3:1"),
		peer.NewAddress(number.FromUint64(4), "10.26.104.4:2"),
	}}
	m.Buffers = [][]byte{[]byte("direct")}

	b, err := Encode(m, signer)
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, publicKey, decoded.PublicKey)
	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.Version, decoded.Version)
	assert.Equal(t, m.Command, decoded.Command)
	assert.Equal(t, m.Type, decoded.Type)
	assert.Equal(t, m.Sender, decoded.Sender)
	assert.Equal(t, m.Recipient, decoded.Recipient)
	assert.Equal(t, m.Keys, decoded.Keys)
	assert.Equal(t, m.Integers, decoded.Integers)
	assert.Equal(t, m.KeyCollections, decoded.KeyCollections)
	assert.Equal(t, m.KeyMapBytes, decoded.KeyMapBytes)
	assert.Equal(t, m.Neighbors, decoded.Neighbors)
	assert.Equal(t, m.Buffers, decoded.Buffers)

	require.Equal(t, 2, len(decoded.BloomFilters))
	assert.Nil(t, decoded.BloomFilter(0))
	assert.True(t, f.Equal(decoded.BloomFilter(1)))
	assert.True(t, decoded.BloomFilter(1).Contains(number.HashString("a")))

	dataMap, ok := decoded.DataMap(0)
	require.True(t, ok)
	require.Equal(t, 2, len(dataMap))
	assert.True(t, d1.Equal(dataMap[k1]))
	assert.Equal(t, []byte("value-1"), dataMap[k1].Value)
	assert.True(t, d1.ValidFrom.Equal(dataMap[k1].ValidFrom))
	assert.True(t, d2.Equal(dataMap[k2]))
	assert.True(t, dataMap[k2].IsMetaOnly())
	assert.Equal(t, number.Hash([]byte("value-2")), dataMap[k2].Hash())
}

func TestCodec_DecodeInvalid(t *testing.T) {
	valid, err := Encode(testPing(), testSigner())
	require.NoError(t, err)

	t.Run("invalid type", func(t *testing.T) {
		b := append([]byte(nil), valid...)
		// Ping has no third request type.
		b[9] = byte(TypeRequest3)
		_, err := Decode(b)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})

	t.Run("unknown command", func(t *testing.T) {
		b := append([]byte(nil), valid...)
		b[8] = 0xff
		_, err := Decode(b)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})

	t.Run("tampered", func(t *testing.T) {
		b := append([]byte(nil), valid...)
		// Change the sender address.
		b[10+number.IDLen+1] ^= 0xff
		_, err := Decode(b)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})

	t.Run("truncated", func(t *testing.T) {
		for i := 0; i != len(valid); i++ {
			_, err := Decode(valid[:i])
			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		}
	})

	t.Run("oversized collection", func(t *testing.T) {
		b, err := Encode(testPing(), nil)
		require.NoError(t, err)
		// Claim a key collection with 2^32-1 keys.
		offset := len(b) - 1 - 8 + 2
		b = append(b[:offset:offset], 0x1, 0xff, 0xff, 0xff, 0xff)
		_, err = Decode(b)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})
}

func TestCodec_EncodeLimits(t *testing.T) {
	m := testPing()
	m.Keys = make([]number.ID, 256)
	_, err := Encode(m, nil)
	assert.Error(t, err)

	m = testPing()
	m.Type = TypeRequest3
	_, err = Encode(m, nil)
	assert.ErrorIs(t, err, ErrInvalidType)
}
