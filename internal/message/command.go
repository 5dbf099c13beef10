package message

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidType = errors.New("invalid message type")
)

// Command selects the protocol a message belongs to.
type Command uint8

const (
	CommandPing Command = iota
	CommandPut
	CommandGet
	CommandAdd
	CommandRemove
	CommandNeighbor
	CommandDigest
	CommandDigestBloomFilter
	CommandDigestMetaValues
	CommandPutMeta
	CommandPutConfirm
	CommandGetLatest
	CommandBroadcast
	CommandPex
	CommandTrackerAdd
	CommandTrackerGet
	CommandQuit
	CommandDirectData

	numCommands
)

var commandNames = [numCommands]string{
	"ping",
	"put",
	"get",
	"add",
	"remove",
	"neighbor",
	"digest",
	"digest-bloomfilter",
	"digest-meta-values",
	"put-meta",
	"put-confirm",
	"get-latest",
	"broadcast",
	"pex",
	"tracker-add",
	"tracker-get",
	"quit",
	"direct-data",
}

func (c Command) String() string {
	if c >= numCommands {
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
	return commandNames[c]
}

// Type is a request type, whose meaning depends on the command, or a
// response type.
type Type uint8

const (
	TypeRequest1 Type = iota
	TypeRequest2
	TypeRequest3
	TypeRequest4
	TypeRequest5
	// TypeRequestFF1 is a fire-and-forget request that never gets a
	// response.
	TypeRequestFF1
	TypeOK
	TypePartiallyOK
	TypeNotFound
	TypeDenied
	TypeException

	numTypes
)

var typeNames = [numTypes]string{
	"request-1",
	"request-2",
	"request-3",
	"request-4",
	"request-5",
	"request-ff-1",
	"ok",
	"partially-ok",
	"not-found",
	"denied",
	"exception",
}

func (t Type) String() string {
	if t >= numTypes {
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
	return typeNames[t]
}

func (t Type) IsRequest() bool {
	return t <= TypeRequestFF1
}

func (t Type) IsFireAndForget() bool {
	return t == TypeRequestFF1
}

func (t Type) IsResponse() bool {
	return t >= TypeOK && t < numTypes
}

var (
	requestResponse = []Type{TypeRequest1, TypeRequest2, TypeRequest3, TypeRequest4}
	fireAndForget   = []Type{TypeRequestFF1}
)

// requestTypes lists the request types each command accepts.
var requestTypes = [numCommands][]Type{
	CommandPing:              {TypeRequest1, TypeRequestFF1},
	CommandPut:               requestResponse,
	CommandGet:               requestResponse,
	CommandAdd:               requestResponse,
	CommandRemove:            {TypeRequest1, TypeRequest2},
	CommandNeighbor:          {TypeRequest1, TypeRequest2, TypeRequest3},
	CommandDigest:            requestResponse,
	CommandDigestBloomFilter: requestResponse,
	CommandDigestMetaValues:  requestResponse,
	CommandPutMeta:           {TypeRequest1, TypeRequest2},
	CommandPutConfirm:        {TypeRequest1, TypeRequest2},
	CommandGetLatest:         {TypeRequest1, TypeRequest2},
	CommandBroadcast:         fireAndForget,
	CommandPex:               fireAndForget,
	CommandTrackerAdd:        {TypeRequest1, TypeRequest2},
	CommandTrackerGet:        {TypeRequest1, TypeRequest2},
	CommandQuit:              fireAndForget,
	CommandDirectData:        {TypeRequest1, TypeRequestFF1},
}

// ExpectsResponse reports whether any request of the command gets a
// response.
func (c Command) ExpectsResponse() bool {
	if c >= numCommands {
		return false
	}
	for _, t := range requestTypes[c] {
		if !t.IsFireAndForget() {
			return true
		}
	}
	return false
}

// Validate checks that t is a valid request type of c, or a valid response
// type if c ever gets a response.
func Validate(c Command, t Type) error {
	if c >= numCommands {
		return fmt.Errorf("%w: unknown command %s", ErrInvalidType, c)
	}
	if t >= numTypes {
		return fmt.Errorf("%w: unknown type %s", ErrInvalidType, t)
	}

	if t.IsResponse() {
		if !c.ExpectsResponse() {
			return fmt.Errorf("%w: %s never gets a response", ErrInvalidType, c)
		}
		return nil
	}
	for _, valid := range requestTypes[c] {
		if t == valid {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a request type of %s", ErrInvalidType, t, c)
}
