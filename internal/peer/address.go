package peer

import (
	"github.com/andydunstall/kadstore/internal/number"
	"go.uber.org/zap/zapcore"
)

// Address identifies a peer and where to reach it.
type Address struct {
	ID   number.ID
	Addr string
}

func NewAddress(id number.ID, addr string) Address {
	return Address{
		ID:   id,
		Addr: addr,
	}
}

func (a Address) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", a.ID.String())
	enc.AddString("addr", a.Addr)
	return nil
}

func (a Address) String() string {
	return a.ID.String() + "@" + a.Addr
}
