// Package tcp implements the raw TCP relay layer used for traffic the proxy
// does not understand.
package tcp

import (
	"log/slog"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/layer"
)

// Layer relays bytes verbatim between the client and Context.Server.
type Layer struct {
	ctx *layer.Context

	opening *layer.OpenConnection
	pending []byte

	clientEOF bool
	serverEOF bool
	done      bool
}

// New creates a relay for ctx. ctx.Server must be set.
func New(ctx *layer.Context) *Layer {
	ctx.Push(layer.KindTCP)
	return &Layer{ctx: ctx}
}

// Factory builds a relay; it is a layer.Factory.
func Factory(ctx *layer.Context) layer.Layer { return New(ctx) }

func (l *Layer) Kind() layer.Kind        { return layer.KindTCP }
func (l *Layer) Context() *layer.Context { return l.ctx }

func (l *Layer) server() *connection.Connection { return l.ctx.Server }

func (l *Layer) HandleEvent(ev layer.Event) []layer.Command {
	if l.done {
		return nil
	}
	switch e := ev.(type) {
	case layer.Start:
		if l.server() == nil {
			l.done = true
			return []layer.Command{
				layer.Logf(slog.LevelError, "tcp relay for %s has no server", l.ctx.Client.Address),
				&layer.CloseConnection{Conn: l.ctx.Client},
			}
		}
		if l.ctx.Options.ConnectionStrategy == layer.StrategyEager {
			return l.open()
		}

	case layer.DataReceived:
		if e.Conn == l.ctx.Client {
			srv := l.server()
			switch {
			case srv.State&connection.CanWrite != 0:
				return []layer.Command{&layer.SendData{Conn: srv, Data: e.Data}}
			case srv.Opened():
				// Server side already shut down.
				return nil
			default:
				l.pending = append(l.pending, e.Data...)
				return l.open()
			}
		}
		if e.Conn == l.server() {
			return []layer.Command{&layer.SendData{Conn: l.ctx.Client, Data: e.Data}}
		}

	case layer.OpenConnectionReply:
		if e.Command != l.opening {
			return nil
		}
		l.opening = nil
		if e.Err != nil {
			l.done = true
			return []layer.Command{
				layer.Logf(slog.LevelInfo, "tcp relay to %s failed: %v", l.server().Address, e.Err),
				&layer.CloseConnection{Conn: l.ctx.Client},
			}
		}
		var cmds []layer.Command
		if len(l.pending) > 0 {
			cmds = append(cmds, &layer.SendData{Conn: l.server(), Data: l.pending})
			l.pending = nil
		}
		if l.clientEOF {
			cmds = append(cmds, l.peerClosed(l.server())...)
		}
		return cmds

	case layer.ConnectionClosed:
		switch e.Conn {
		case l.ctx.Client:
			l.clientEOF = true
			switch {
			case l.opening != nil:
				// Forward the EOF once the connection is up.
				return nil
			case !l.server().Opened():
				l.done = true
				return []layer.Command{&layer.CloseConnection{Conn: l.ctx.Client}}
			default:
				return l.peerClosed(l.server())
			}
		case l.server():
			l.serverEOF = true
			return l.peerClosed(l.ctx.Client)
		}
	}
	return nil
}

// open asks for the server connection unless it is open or opening.
func (l *Layer) open() []layer.Command {
	if l.opening != nil || l.server().Opened() {
		return nil
	}
	l.opening = &layer.OpenConnection{Conn: l.server()}
	return []layer.Command{l.opening}
}

// peerClosed half-closes other after its peer went away, and closes both
// sides once neither will send more.
func (l *Layer) peerClosed(other *connection.Connection) []layer.Command {
	if !l.clientEOF || !l.serverEOF {
		return []layer.Command{&layer.CloseConnection{Conn: other, HalfClose: true}}
	}
	l.done = true
	var cmds []layer.Command
	for _, c := range []*connection.Connection{l.server(), l.ctx.Client} {
		if c.Connected() {
			cmds = append(cmds, &layer.CloseConnection{Conn: c})
		}
	}
	return cmds
}
