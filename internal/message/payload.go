package message

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload is returned when a request is missing payload its
	// command requires.
	ErrInvalidPayload = errors.New("invalid payload")
)

// CheckPayload checks a request carries the payload its command and type
// require, so malformed requests are rejected before reaching a handler.
// Responses are not checked.
func CheckPayload(m *Message) error {
	if !m.IsRequest() {
		return nil
	}

	switch m.Command {
	case CommandPut, CommandAdd, CommandPutConfirm:
		return requireDataMap(m)
	case CommandPutMeta:
		if m.Type == TypeRequest2 {
			if err := requireKeys(m, 2); err != nil {
				return err
			}
			buf, ok := m.Buffer(0)
			if !ok || len(buf) != ed25519.PublicKeySize {
				return fmt.Errorf("%w: %s: missing new public key", ErrInvalidPayload, m.Command)
			}
			return nil
		}
		return requireDataMap(m)
	case CommandGet, CommandRemove, CommandDigest, CommandDigestBloomFilter, CommandDigestMetaValues:
		if err := requireKeys(m, 2); err != nil {
			return err
		}
		return checkRange(m)
	case CommandNeighbor:
		if err := requireKeys(m, 2); err != nil {
			return err
		}
		if keys, ok := m.KeyCollection(0); ok && len(keys) != 2 {
			return fmt.Errorf("%w: %s: range requires 2 keys, got %d", ErrInvalidPayload, m.Command, len(keys))
		}
		return nil
	case CommandGetLatest:
		return requireKeys(m, 3)
	case CommandBroadcast:
		if err := requireKeys(m, 1); err != nil {
			return err
		}
		if _, ok := m.Integer(0); !ok {
			return fmt.Errorf("%w: %s: missing hop count", ErrInvalidPayload, m.Command)
		}
		return nil
	case CommandDirectData:
		if _, ok := m.Buffer(0); !ok {
			return fmt.Errorf("%w: %s: missing buffer", ErrInvalidPayload, m.Command)
		}
		return nil
	}
	return nil
}

func requireKeys(m *Message, n int) error {
	if len(m.Keys) < n {
		return fmt.Errorf("%w: %s: requires %d keys, got %d", ErrInvalidPayload, m.Command, n, len(m.Keys))
	}
	return nil
}

func requireDataMap(m *Message) error {
	if _, ok := m.DataMap(0); !ok {
		return fmt.Errorf("%w: %s: missing data map", ErrInvalidPayload, m.Command)
	}
	return nil
}

// checkRange checks a range query, which is a key collection together with a
// limit, has exactly the two bounds.
func checkRange(m *Message) error {
	keys, ok := m.KeyCollection(0)
	if !ok {
		return nil
	}
	if _, isRange := m.Integer(0); isRange && len(keys) != 2 {
		return fmt.Errorf("%w: %s: range requires 2 keys, got %d", ErrInvalidPayload, m.Command, len(keys))
	}
	return nil
}
