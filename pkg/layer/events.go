package layer

import (
	"fmt"

	"github.com/usestring/powhttp-proxy/pkg/connection"
)

// Event is an input to a layer.
type Event interface {
	isEvent()
}

// Start is the first event every layer receives.
type Start struct{}

// DataReceived carries bytes read from a connection.
type DataReceived struct {
	Conn *connection.Connection
	Data []byte
}

// ConnectionClosed reports that the peer closed (or half-closed) Conn.
type ConnectionClosed struct {
	Conn *connection.Connection
}

// OpenConnectionReply answers an OpenConnection command. Err is nil on
// success.
type OpenConnectionReply struct {
	Command *OpenConnection
	Err     error
}

// HookReply answers a hook command. The hook's payload carries the reply.
type HookReply struct {
	Hook Hook
}

func (Start) isEvent()               {}
func (DataReceived) isEvent()        {}
func (ConnectionClosed) isEvent()    {}
func (OpenConnectionReply) isEvent() {}
func (HookReply) isEvent()           {}

func (e DataReceived) String() string {
	return fmt.Sprintf("DataReceived(%s, %q)", e.Conn, e.Data)
}

func (e ConnectionClosed) String() string {
	return fmt.Sprintf("ConnectionClosed(%s)", e.Conn)
}
