package message

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/storage"
)

const (
	uint8Len  = 1
	uint16Len = 2
	uint32Len = 4
	uint64Len = 8
	keyLen    = number.IDLen * 4

	// headerLen is the size of the fixed part of the header: version, ID,
	// command and type.
	headerLen = uint32Len + uint32Len + uint8Len + uint8Len

	maxListLen   = 0xff
	maxStringLen = 0xff

	dataFlagProtected = 1 << 0
	dataFlagPrepared  = 1 << 1
	dataFlagMetaOnly  = 1 << 2
	dataFlagPublicKey = 1 << 3
)

// DecodeError is returned for malformed messages. A message that fails to
// decode is never passed to a handler.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode message: " + e.Reason
}

// Encode encodes m. If signer is not nil the message is signed and the
// public key of signer is attached.
func Encode(m *Message, signer ed25519.PrivateKey) ([]byte, error) {
	if err := Validate(m.Command, m.Type); err != nil {
		return nil, err
	}
	if err := checkLimits(m); err != nil {
		return nil, err
	}

	signatureLen := uint8Len
	if signer != nil {
		signatureLen += uint8Len + ed25519.PublicKeySize + ed25519.SignatureSize
	}

	b := make([]byte, messageLen(m)+signatureLen)
	offset := encodeUint32(b, 0, m.Version)
	offset = encodeUint32(b, offset, m.ID)
	offset = encodeUint8(b, offset, uint8(m.Command))
	offset = encodeUint8(b, offset, uint8(m.Type))
	offset = encodeAddress(b, offset, m.Sender)
	offset = encodeAddress(b, offset, m.Recipient)

	offset = encodeUint8(b, offset, uint8(len(m.Keys)))
	for _, key := range m.Keys {
		offset = encodeID(b, offset, key)
	}
	offset = encodeUint8(b, offset, uint8(len(m.Integers)))
	for _, n := range m.Integers {
		offset = encodeUint32(b, offset, uint32(n))
	}
	offset = encodeUint8(b, offset, uint8(len(m.KeyCollections)))
	for _, keys := range m.KeyCollections {
		offset = encodeUint32(b, offset, uint32(len(keys)))
		for _, key := range keys {
			offset = encodeKey(b, offset, key)
		}
	}
	offset = encodeUint8(b, offset, uint8(len(m.DataMaps)))
	for _, dataMap := range m.DataMaps {
		offset = encodeDataMap(b, offset, dataMap)
	}
	offset = encodeUint8(b, offset, uint8(len(m.BloomFilters)))
	for _, f := range m.BloomFilters {
		offset = encodeBloomFilter(b, offset, f)
	}
	offset = encodeUint8(b, offset, uint8(len(m.KeyMapBytes)))
	for _, keyMap := range m.KeyMapBytes {
		offset = encodeKeyMapByte(b, offset, keyMap)
	}
	offset = encodeUint8(b, offset, uint8(len(m.Neighbors)))
	for _, neighbors := range m.Neighbors {
		offset = encodeUint16(b, offset, uint16(len(neighbors)))
		for _, addr := range neighbors {
			offset = encodeAddress(b, offset, addr)
		}
	}
	offset = encodeUint8(b, offset, uint8(len(m.Buffers)))
	for _, buf := range m.Buffers {
		offset = encodeBytes(b, offset, buf)
	}

	if signer == nil {
		encodeUint8(b, offset, 0)
		return b, nil
	}

	offset = encodeUint8(b, offset, 1)
	publicKey := signer.Public().(ed25519.PublicKey)
	offset = encodeUint8(b, offset, uint8(len(publicKey)))
	offset += copy(b[offset:], publicKey)
	// The signature covers everything before it, including the public key.
	copy(b[offset:], ed25519.Sign(signer, b[:offset]))
	return b, nil
}

// Decode decodes and validates a message. If the message is signed the
// signature is verified and the signing key is set as the PublicKey.
func Decode(b []byte) (m *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			decodeErr, ok := r.(*DecodeError)
			if !ok {
				panic(r)
			}
			m = nil
			err = decodeErr
		}
	}()

	m = &Message{}
	offset := 0
	m.Version, offset = decodeUint32(b, offset)
	m.ID, offset = decodeUint32(b, offset)
	var command, t uint8
	command, offset = decodeUint8(b, offset)
	t, offset = decodeUint8(b, offset)
	m.Command = Command(command)
	m.Type = Type(t)
	if err := Validate(m.Command, m.Type); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	m.Sender, offset = decodeAddress(b, offset)
	m.Recipient, offset = decodeAddress(b, offset)

	var n uint8
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var key number.ID
		key, offset = decodeID(b, offset)
		m.Keys = append(m.Keys, key)
	}
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var v uint32
		v, offset = decodeUint32(b, offset)
		m.Integers = append(m.Integers, int32(v))
	}
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var size uint32
		size, offset = decodeUint32(b, offset)
		checkRemaining(b, offset, int(size), keyLen)
		keys := make([]number.Key, 0, size)
		for j := 0; j != int(size); j++ {
			var key number.Key
			key, offset = decodeKey(b, offset)
			keys = append(keys, key)
		}
		m.KeyCollections = append(m.KeyCollections, keys)
	}
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var dataMap storage.DataMap
		dataMap, offset = decodeDataMap(b, offset)
		m.DataMaps = append(m.DataMaps, dataMap)
	}
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var f *bloom.Filter
		f, offset = decodeBloomFilter(b, offset)
		m.BloomFilters = append(m.BloomFilters, f)
	}
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var keyMap map[number.Key]byte
		keyMap, offset = decodeKeyMapByte(b, offset)
		m.KeyMapBytes = append(m.KeyMapBytes, keyMap)
	}
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var size uint16
		size, offset = decodeUint16(b, offset)
		neighbors := make([]peer.Address, 0, size)
		for j := 0; j != int(size); j++ {
			var addr peer.Address
			addr, offset = decodeAddress(b, offset)
			neighbors = append(neighbors, addr)
		}
		m.Neighbors = append(m.Neighbors, neighbors)
	}
	n, offset = decodeUint8(b, offset)
	for i := 0; i != int(n); i++ {
		var buf []byte
		buf, offset = decodeBytes(b, offset)
		m.Buffers = append(m.Buffers, buf)
	}

	var signed uint8
	signed, offset = decodeUint8(b, offset)
	if signed == 0 {
		return m, nil
	}

	var keySize uint8
	keySize, offset = decodeUint8(b, offset)
	if keySize != ed25519.PublicKeySize {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid public key size: %d", keySize)}
	}
	checkRemaining(b, offset, 1, ed25519.PublicKeySize+ed25519.SignatureSize)
	publicKey := ed25519.PublicKey(append([]byte(nil), b[offset:offset+ed25519.PublicKeySize]...))
	offset += ed25519.PublicKeySize
	signature := b[offset : offset+ed25519.SignatureSize]
	if !ed25519.Verify(publicKey, b[:offset], signature) {
		return nil, &DecodeError{Reason: "invalid signature"}
	}
	m.PublicKey = publicKey
	return m, nil
}

func checkLimits(m *Message) error {
	lists := []int{
		len(m.Keys), len(m.Integers), len(m.KeyCollections), len(m.DataMaps),
		len(m.BloomFilters), len(m.KeyMapBytes), len(m.Neighbors), len(m.Buffers),
	}
	for _, n := range lists {
		if n > maxListLen {
			return fmt.Errorf("too many payload entries: %d", n)
		}
	}
	addrs := []peer.Address{m.Sender, m.Recipient}
	for _, neighbors := range m.Neighbors {
		if len(neighbors) > 0xffff {
			return fmt.Errorf("too many neighbors: %d", len(neighbors))
		}
		addrs = append(addrs, neighbors...)
	}
	for _, addr := range addrs {
		if len(addr.Addr) > maxStringLen {
			return fmt.Errorf("address too long: %s", addr.Addr)
		}
	}
	for _, dataMap := range m.DataMaps {
		for _, data := range dataMap {
			if len(data.BasedOn) > maxListLen {
				return fmt.Errorf("too many based on versions: %d", len(data.BasedOn))
			}
			if len(data.PublicKey) > maxStringLen {
				return fmt.Errorf("public key too long: %d", len(data.PublicKey))
			}
		}
	}
	return nil
}

func messageLen(m *Message) int {
	n := headerLen + addressLen(m.Sender) + addressLen(m.Recipient)

	// One count byte per payload list.
	n += 8 * uint8Len
	n += len(m.Keys) * number.IDLen
	n += len(m.Integers) * uint32Len
	for _, keys := range m.KeyCollections {
		n += uint32Len + len(keys)*keyLen
	}
	for _, dataMap := range m.DataMaps {
		n += dataMapLen(dataMap)
	}
	for _, f := range m.BloomFilters {
		n += uint8Len
		if f != nil {
			n += f.EncodedLen()
		}
	}
	for _, keyMap := range m.KeyMapBytes {
		n += uint32Len + len(keyMap)*(keyLen+uint8Len)
	}
	for _, neighbors := range m.Neighbors {
		n += uint16Len
		for _, addr := range neighbors {
			n += addressLen(addr)
		}
	}
	for _, buf := range m.Buffers {
		n += uint32Len + len(buf)
	}
	return n
}

func addressLen(addr peer.Address) int {
	return number.IDLen + uint8Len + len(addr.Addr)
}

func dataLen(data *storage.Data) int {
	// Flags, TTL, valid from and the based on count.
	n := uint8Len + uint32Len + uint64Len + uint8Len
	n += len(data.BasedOn) * number.IDLen
	if data.PublicKey != nil {
		n += uint8Len + len(data.PublicKey)
	}
	if data.IsMetaOnly() {
		n += number.IDLen
	} else {
		n += uint32Len + len(data.Value)
	}
	return n
}

func dataMapLen(dataMap storage.DataMap) int {
	n := uint32Len
	for _, data := range dataMap {
		n += keyLen + dataLen(data)
	}
	return n
}

func encodeUint8(buf []byte, offset int, n uint8) int {
	if len(buf) < offset+uint8Len {
		panic("buf too small; cannot encode uint8")
	}

	buf[offset] = n
	return offset + uint8Len
}

func encodeUint16(buf []byte, offset int, n uint16) int {
	if len(buf) < offset+uint16Len {
		panic("buf too small; cannot encode uint16")
	}

	binary.BigEndian.PutUint16(buf[offset:offset+uint16Len], n)
	return offset + uint16Len
}

func encodeUint32(buf []byte, offset int, n uint32) int {
	if len(buf) < offset+uint32Len {
		panic("buf too small; cannot encode uint32")
	}

	binary.BigEndian.PutUint32(buf[offset:offset+uint32Len], n)
	return offset + uint32Len
}

func encodeUint64(buf []byte, offset int, n uint64) int {
	if len(buf) < offset+uint64Len {
		panic("buf too small; cannot encode uint64")
	}

	binary.BigEndian.PutUint64(buf[offset:offset+uint64Len], n)
	return offset + uint64Len
}

func encodeString(buf []byte, offset int, s string) int {
	if len(s) > maxStringLen {
		panic("string too large; cannot exceed 255 bytes")
	}

	offset = encodeUint8(buf, offset, uint8(len(s)))
	if len(buf) < offset+len(s) {
		panic("buf too small; cannot encode string")
	}
	offset += copy(buf[offset:], s)
	return offset
}

func encodeBytes(buf []byte, offset int, b []byte) int {
	offset = encodeUint32(buf, offset, uint32(len(b)))
	if len(buf) < offset+len(b) {
		panic("buf too small; cannot encode bytes")
	}
	offset += copy(buf[offset:], b)
	return offset
}

func encodeID(buf []byte, offset int, id number.ID) int {
	if len(buf) < offset+number.IDLen {
		panic("buf too small; cannot encode id")
	}
	offset += copy(buf[offset:], id[:])
	return offset
}

func encodeKey(buf []byte, offset int, key number.Key) int {
	offset = encodeID(buf, offset, key.Location)
	offset = encodeID(buf, offset, key.Domain)
	offset = encodeID(buf, offset, key.Content)
	return encodeID(buf, offset, key.Version)
}

func encodeAddress(buf []byte, offset int, addr peer.Address) int {
	offset = encodeID(buf, offset, addr.ID)
	return encodeString(buf, offset, addr.Addr)
}

func encodeData(buf []byte, offset int, data *storage.Data) int {
	var flags uint8
	if data.ProtectedEntry {
		flags |= dataFlagProtected
	}
	if data.Prepared {
		flags |= dataFlagPrepared
	}
	if data.IsMetaOnly() {
		flags |= dataFlagMetaOnly
	}
	if data.PublicKey != nil {
		flags |= dataFlagPublicKey
	}

	var validFrom int64
	if !data.ValidFrom.IsZero() {
		validFrom = data.ValidFrom.UnixMilli()
	}

	offset = encodeUint8(buf, offset, flags)
	offset = encodeUint32(buf, offset, uint32(data.TTLSeconds))
	offset = encodeUint64(buf, offset, uint64(validFrom))
	offset = encodeUint8(buf, offset, uint8(len(data.BasedOn)))
	for _, id := range data.BasedOn {
		offset = encodeID(buf, offset, id)
	}
	if data.PublicKey != nil {
		offset = encodeString(buf, offset, string(data.PublicKey))
	}
	if data.IsMetaOnly() {
		return encodeID(buf, offset, data.Hash())
	}
	return encodeBytes(buf, offset, data.Value)
}

func encodeDataMap(buf []byte, offset int, dataMap storage.DataMap) int {
	offset = encodeUint32(buf, offset, uint32(len(dataMap)))
	for _, key := range dataMap.SortedKeys() {
		offset = encodeKey(buf, offset, key)
		offset = encodeData(buf, offset, dataMap[key])
	}
	return offset
}

func encodeBloomFilter(buf []byte, offset int, f *bloom.Filter) int {
	if f == nil {
		return encodeUint8(buf, offset, 0)
	}
	offset = encodeUint8(buf, offset, 1)
	if len(buf) < offset+f.EncodedLen() {
		panic("buf too small; cannot encode bloom filter")
	}
	offset += copy(buf[offset:], f.Encode())
	return offset
}

func encodeKeyMapByte(buf []byte, offset int, keyMap map[number.Key]byte) int {
	offset = encodeUint32(buf, offset, uint32(len(keyMap)))
	for _, key := range sortedKeys(keyMap) {
		offset = encodeKey(buf, offset, key)
		offset = encodeUint8(buf, offset, keyMap[key])
	}
	return offset
}

func decodeFailed(format string, args ...interface{}) {
	panic(&DecodeError{Reason: fmt.Sprintf(format, args...)})
}

// checkRemaining fails the decode unless buf holds count items of size bytes
// from offset. Guards allocations sized from untrusted counts.
func checkRemaining(buf []byte, offset int, count int, size int) {
	if count < 0 || len(buf)-offset < count*size {
		decodeFailed("buf too small; cannot decode %d items", count)
	}
}

func decodeUint8(buf []byte, offset int) (uint8, int) {
	if len(buf) < offset+uint8Len {
		decodeFailed("buf too small; cannot decode uint8")
	}

	return buf[offset], offset + uint8Len
}

func decodeUint16(buf []byte, offset int) (uint16, int) {
	if len(buf) < offset+uint16Len {
		decodeFailed("buf too small; cannot decode uint16")
	}

	return binary.BigEndian.Uint16(buf[offset : offset+uint16Len]), offset + uint16Len
}

func decodeUint32(buf []byte, offset int) (uint32, int) {
	if len(buf) < offset+uint32Len {
		decodeFailed("buf too small; cannot decode uint32")
	}

	return binary.BigEndian.Uint32(buf[offset : offset+uint32Len]), offset + uint32Len
}

func decodeUint64(buf []byte, offset int) (uint64, int) {
	if len(buf) < offset+uint64Len {
		decodeFailed("buf too small; cannot decode uint64")
	}

	return binary.BigEndian.Uint64(buf[offset : offset+uint64Len]), offset + uint64Len
}

func decodeString(buf []byte, offset int) (string, int) {
	n, offset := decodeUint8(buf, offset)
	if len(buf) < offset+int(n) {
		decodeFailed("buf too small; cannot decode string")
	}
	return string(buf[offset : offset+int(n)]), offset + int(n)
}

func decodeBytes(buf []byte, offset int) ([]byte, int) {
	n, offset := decodeUint32(buf, offset)
	checkRemaining(buf, offset, int(n), 1)
	b := make([]byte, n)
	copy(b, buf[offset:offset+int(n)])
	return b, offset + int(n)
}

func decodeID(buf []byte, offset int) (number.ID, int) {
	if len(buf) < offset+number.IDLen {
		decodeFailed("buf too small; cannot decode id")
	}
	var id number.ID
	copy(id[:], buf[offset:offset+number.IDLen])
	return id, offset + number.IDLen
}

func decodeKey(buf []byte, offset int) (number.Key, int) {
	var key number.Key
	key.Location, offset = decodeID(buf, offset)
	key.Domain, offset = decodeID(buf, offset)
	key.Content, offset = decodeID(buf, offset)
	key.Version, offset = decodeID(buf, offset)
	return key, offset
}

func decodeAddress(buf []byte, offset int) (peer.Address, int) {
	id, offset := decodeID(buf, offset)
	addr, offset := decodeString(buf, offset)
	return peer.NewAddress(id, addr), offset
}

func decodeData(buf []byte, offset int) (*storage.Data, int) {
	flags, offset := decodeUint8(buf, offset)
	ttl, offset := decodeUint32(buf, offset)
	validFrom, offset := decodeUint64(buf, offset)
	basedOnCount, offset := decodeUint8(buf, offset)
	var basedOn []number.ID
	for i := 0; i != int(basedOnCount); i++ {
		var id number.ID
		id, offset = decodeID(buf, offset)
		basedOn = append(basedOn, id)
	}

	var publicKey string
	if flags&dataFlagPublicKey != 0 {
		publicKey, offset = decodeString(buf, offset)
	}

	var data *storage.Data
	if flags&dataFlagMetaOnly != 0 {
		var hash number.ID
		hash, offset = decodeID(buf, offset)
		data = storage.NewMetaData(hash)
	} else {
		var value []byte
		value, offset = decodeBytes(buf, offset)
		data = storage.NewData(value)
	}

	data.BasedOn = basedOn
	data.TTLSeconds = int32(ttl)
	if validFrom != 0 {
		data.ValidFrom = time.UnixMilli(int64(validFrom))
	}
	data.ProtectedEntry = flags&dataFlagProtected != 0
	data.Prepared = flags&dataFlagPrepared != 0
	if flags&dataFlagPublicKey != 0 {
		data.PublicKey = ed25519.PublicKey(publicKey)
	}
	return data, offset
}

func decodeDataMap(buf []byte, offset int) (storage.DataMap, int) {
	n, offset := decodeUint32(buf, offset)
	checkRemaining(buf, offset, int(n), keyLen)
	dataMap := make(storage.DataMap, n)
	for i := 0; i != int(n); i++ {
		var key number.Key
		key, offset = decodeKey(buf, offset)
		dataMap[key], offset = decodeData(buf, offset)
	}
	return dataMap, offset
}

func decodeBloomFilter(buf []byte, offset int) (*bloom.Filter, int) {
	present, offset := decodeUint8(buf, offset)
	if present == 0 {
		return nil, offset
	}
	f, n, err := bloom.Decode(buf[offset:])
	if err != nil {
		decodeFailed("invalid bloom filter: %v", err)
	}
	return f, offset + n
}

func decodeKeyMapByte(buf []byte, offset int) (map[number.Key]byte, int) {
	n, offset := decodeUint32(buf, offset)
	checkRemaining(buf, offset, int(n), keyLen+uint8Len)
	keyMap := make(map[number.Key]byte, n)
	for i := 0; i != int(n); i++ {
		var key number.Key
		key, offset = decodeKey(buf, offset)
		keyMap[key], offset = decodeUint8(buf, offset)
	}
	return keyMap, offset
}

func sortedKeys(keyMap map[number.Key]byte) []number.Key {
	keys := make([]number.Key, 0, len(keyMap))
	for k := range keyMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	return keys
}
