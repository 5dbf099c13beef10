package message

import (
	"crypto/ed25519"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/storage"
	"go.uber.org/zap/zapcore"
)

// Message is a request or response exchanged between peers. The payload is a
// set of typed lists whose meaning depends on the command and type.
type Message struct {
	// ID correlates a response with its request.
	ID uint32
	// Version is the network version. Peers drop messages from other
	// networks.
	Version   uint32
	Command   Command
	Type      Type
	Sender    peer.Address
	Recipient peer.Address

	Keys           []number.ID
	Integers       []int32
	KeyCollections [][]number.Key
	DataMaps       []storage.DataMap
	// BloomFilters may contain nil entries so filters keep their position.
	BloomFilters []*bloom.Filter
	// KeyMapBytes maps keys to a single byte, used for per entry statuses.
	KeyMapBytes []map[number.Key]byte
	Neighbors   [][]peer.Address
	Buffers     [][]byte

	// PublicKey is the key the message was signed with, or nil if unsigned.
	// Set on decode.
	PublicKey ed25519.PublicKey
}

func NewRequest(sender peer.Address, recipient peer.Address, command Command, t Type, version uint32) *Message {
	return &Message{
		Version:   version,
		Command:   command,
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
	}
}

// Response returns a response to m with the given type, addressed back to
// the sender of m.
func (m *Message) Response(t Type) *Message {
	return &Message{
		ID:        m.ID,
		Version:   m.Version,
		Command:   m.Command,
		Type:      t,
		Sender:    m.Recipient,
		Recipient: m.Sender,
	}
}

func (m *Message) IsRequest() bool {
	return m.Type.IsRequest()
}

func (m *Message) IsFireAndForget() bool {
	return m.Type.IsFireAndForget()
}

func (m *Message) Key(i int) (number.ID, bool) {
	if i >= len(m.Keys) {
		return number.ID{}, false
	}
	return m.Keys[i], true
}

func (m *Message) Integer(i int) (int32, bool) {
	if i >= len(m.Integers) {
		return 0, false
	}
	return m.Integers[i], true
}

func (m *Message) KeyCollection(i int) ([]number.Key, bool) {
	if i >= len(m.KeyCollections) {
		return nil, false
	}
	return m.KeyCollections[i], true
}

func (m *Message) DataMap(i int) (storage.DataMap, bool) {
	if i >= len(m.DataMaps) {
		return nil, false
	}
	return m.DataMaps[i], true
}

// BloomFilter returns the filter at i, which is nil if absent.
func (m *Message) BloomFilter(i int) *bloom.Filter {
	if i >= len(m.BloomFilters) {
		return nil
	}
	return m.BloomFilters[i]
}

func (m *Message) KeyMapByte(i int) (map[number.Key]byte, bool) {
	if i >= len(m.KeyMapBytes) {
		return nil, false
	}
	return m.KeyMapBytes[i], true
}

func (m *Message) NeighborSet(i int) ([]peer.Address, bool) {
	if i >= len(m.Neighbors) {
		return nil, false
	}
	return m.Neighbors[i], true
}

func (m *Message) Buffer(i int) ([]byte, bool) {
	if i >= len(m.Buffers) {
		return nil, false
	}
	return m.Buffers[i], true
}

func (m *Message) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("id", m.ID)
	enc.AddString("command", m.Command.String())
	enc.AddString("type", m.Type.String())
	enc.AddString("sender", m.Sender.String())
	enc.AddString("recipient", m.Recipient.String())
	enc.AddBool("signed", m.PublicKey != nil)
	return nil
}
