package rpc

import (
	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/storage"
)

// StatusResult is the outcome of a write: the overall response type and the
// status of each entry.
type StatusResult struct {
	Type     message.Type
	Statuses map[number.Key]storage.Status
}

// OK reports whether every entry succeeded.
func (r *StatusResult) OK() bool {
	return r.Type == message.TypeOK
}

// aggregateType returns OK if every entry succeeded, PARTIALLY_OK if some
// did and DENIED if none did. An empty set is OK.
func aggregateType(statuses map[number.Key]storage.Status) message.Type {
	ok := 0
	for _, status := range statuses {
		if status.IsOK() {
			ok++
		}
	}
	switch {
	case ok == len(statuses):
		return message.TypeOK
	case ok > 0:
		return message.TypePartiallyOK
	default:
		return message.TypeDenied
	}
}

func encodeStatuses(statuses map[number.Key]storage.Status) map[number.Key]byte {
	b := make(map[number.Key]byte, len(statuses))
	for key, status := range statuses {
		b[key] = byte(status)
	}
	return b
}

func decodeStatuses(resp *message.Message) *StatusResult {
	result := &StatusResult{
		Type:     resp.Type,
		Statuses: make(map[number.Key]storage.Status),
	}
	if b, ok := resp.KeyMapByte(0); ok {
		for key, status := range b {
			result.Statuses[key] = storage.Status(status)
		}
	}
	return result
}
