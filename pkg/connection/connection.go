// Package connection describes the client and server connections a layer
// stack works with. Connection state is written by the driver only; layers
// read it to make routing decisions.
package connection

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Address is a remote peer address.
type Address struct {
	Host string
	Port int
}

// String returns the address in host:port form (IPv6 hosts are bracketed).
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress parses host[:port]. defaultPort is used when no port is given.
func ParseAddress(s string, defaultPort int) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port present. Bare IPv6 literals may still carry brackets.
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if host == "" {
			return Address{}, fmt.Errorf("invalid address %q", s)
		}
		return Address{Host: host, Port: defaultPort}, nil
	}
	if host == "" {
		return Address{}, fmt.Errorf("invalid address %q: missing host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

// State is the open/half-closed state of a connection.
type State uint8

const (
	Closed   State = 0
	CanRead  State = 1 << 0
	CanWrite State = 1 << 1
	Open           = CanRead | CanWrite
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case CanRead:
		return "can_read"
	case CanWrite:
		return "can_write"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Connection is a client or server connection. It is identified by pointer;
// Address is the lookup key for reuse.
type Connection struct {
	ID      string
	Address Address
	State   State
	TLS     bool
	SNI     string

	// Error is set by the driver when opening the connection failed.
	Error string

	TimestampStart time.Time
	TimestampEnd   time.Time
}

// NewClient returns a connected client connection.
func NewClient(peer Address) *Connection {
	return &Connection{
		ID:             uuid.NewString(),
		Address:        peer,
		State:          Open,
		TimestampStart: time.Now(),
	}
}

// NewServer returns a not-yet-opened server connection to addr.
func NewServer(addr Address) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		Address: addr,
		State:   Closed,
	}
}

// Connected reports whether the connection is at least half open.
func (c *Connection) Connected() bool {
	return c.State != Closed
}

// Opened reports whether the connection was ever opened by the driver.
func (c *Connection) Opened() bool {
	return !c.TimestampStart.IsZero()
}

func (c *Connection) String() string {
	tls := ""
	if c.TLS {
		tls = " tls"
	}
	return fmt.Sprintf("%s[%s%s]", c.Address, c.State, tls)
}
