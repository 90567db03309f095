// Package layer defines the sans-I/O execution model of the proxy: layers are
// state machines that consume events and emit commands. They never touch a
// socket; the driver performs every command and feeds results back as events.
package layer

import (
	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/http1"
)

// Kind identifies a layer implementation.
type Kind uint8

const (
	KindNextLayer Kind = iota
	KindHTTPRegular
	KindHTTPTransparent
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindHTTPRegular:
		return "http(regular)"
	case KindHTTPTransparent:
		return "http(transparent)"
	case KindTCP:
		return "tcp"
	default:
		return "nextlayer"
	}
}

// Layer is a protocol state machine. HandleEvent processes one event to a
// fixed point and returns the commands it produced, in order.
type Layer interface {
	Kind() Kind
	Context() *Context
	HandleEvent(Event) []Command
}

// ConnectionStrategy decides when server connections are opened.
type ConnectionStrategy string

const (
	// StrategyEager opens the server connection as soon as the target is
	// known, e.g. before answering a CONNECT.
	StrategyEager ConnectionStrategy = "eager"
	// StrategyLazy defers opening until data must be sent.
	StrategyLazy ConnectionStrategy = "lazy"
)

// Options are the proxy-wide settings layers consult.
type Options struct {
	ConnectionStrategy ConnectionStrategy
	// StreamLargeBodies streams bodies whose declared length exceeds it.
	// Zero disables.
	StreamLargeBodies int64
	MaxHeadSize       int
}

// DefaultOptions returns the default layer options.
func DefaultOptions() *Options {
	return &Options{
		ConnectionStrategy: StrategyEager,
		MaxHeadSize:        http1.DefaultMaxHeadSize,
	}
}

// Context is the connection context shared by a layer stack.
type Context struct {
	Client  *connection.Connection
	Server  *connection.Connection
	Layers  []Kind
	Options *Options
}

// NewContext returns the root context for a client connection.
func NewContext(client *connection.Connection, opts *Options) *Context {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Context{Client: client, Options: opts}
}

// Fork returns a child context sharing connections and options.
func (c *Context) Fork() *Context {
	child := *c
	child.Layers = append([]Kind(nil), c.Layers...)
	return &child
}

// Push records a layer in the stack and returns the context for chaining.
func (c *Context) Push(k Kind) *Context {
	c.Layers = append(c.Layers, k)
	return c
}
