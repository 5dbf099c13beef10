package kadstore

import (
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/peer"
	"github.com/andydunstall/kadstore/internal/rpc"
	"github.com/andydunstall/kadstore/internal/storage"
)

type (
	// ID is a 160-bit identifier addressing both peers and content.
	ID = number.ID
	// Key locates an entry by location, domain, content and version.
	Key = number.Key

	Address = peer.Address

	Data    = storage.Data
	DataMap = storage.DataMap
	Status  = storage.Status

	Query        = rpc.Query
	KeyRange     = rpc.KeyRange
	PutOptions   = rpc.PutOptions
	AddOptions   = rpc.AddOptions
	StatusResult = rpc.StatusResult

	SearchValues   = rpc.SearchValues
	DigestMode     = rpc.DigestMode
	NeighborResult = rpc.NeighborResult

	DirectReply     = rpc.DirectReply
	DirectReplyFunc = rpc.DirectReplyFunc
)

const (
	DigestNone    = rpc.DigestNone
	DigestSummary = rpc.DigestSummary
	DigestBloom   = rpc.DigestBloom
)

// NewQuery returns a query selecting every entry of the domain.
func NewQuery(location ID, domain ID) Query {
	return rpc.NewQuery(location, domain)
}
