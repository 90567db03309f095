// Package layertest scripts layer conversations for tests. A Playbook plays
// the driver: it feeds events, applies the connection-state changes the
// driver would make and lets tests pop the commands a layer produced.
package layertest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/layer"
)

// Playbook drives a layer under test.
type Playbook struct {
	t     testing.TB
	layer layer.Layer
	queue []layer.Command

	// AutoReplyHooks answers hooks a test does not explicitly expect.
	// NextLayerHook is never answered automatically.
	AutoReplyHooks bool
	// Logs collects Log commands, which are never queued.
	Logs []*layer.Log
}

// New starts l and returns a playbook for it.
func New(t testing.TB, l layer.Layer, autoReplyHooks bool) *Playbook {
	p := &Playbook{t: t, layer: l, AutoReplyHooks: autoReplyHooks}
	p.Feed(layer.Start{})
	return p
}

// NewContext returns a context with an open client connection.
func NewContext(opts *layer.Options) *layer.Context {
	client := connection.NewClient(connection.Address{Host: "127.0.0.1", Port: 40000})
	return layer.NewContext(client, opts)
}

// NewServer returns a server connection as the driver would hold it.
func NewServer(host string, port int, open bool) *connection.Connection {
	c := connection.NewServer(connection.Address{Host: host, Port: port})
	if open {
		c.State = connection.Open
		c.TimestampStart = time.Now()
	}
	return c
}

// Feed hands one event to the layer and queues its commands.
func (p *Playbook) Feed(ev layer.Event) *Playbook {
	p.t.Helper()
	p.applyEvent(ev)
	return p.handle(ev)
}

func (p *Playbook) handle(ev layer.Event) *Playbook {
	for _, c := range p.layer.HandleEvent(ev) {
		switch cmd := c.(type) {
		case *layer.Log:
			p.Logs = append(p.Logs, cmd)
			continue
		case *layer.CloseConnection:
			if cmd.HalfClose {
				cmd.Conn.State &^= connection.CanWrite
			} else {
				cmd.Conn.State = connection.Closed
			}
		}
		p.queue = append(p.queue, c)
	}
	return p
}

func (p *Playbook) applyEvent(ev layer.Event) {
	switch e := ev.(type) {
	case layer.ConnectionClosed:
		// Close is a full close; HalfClose bypasses this.
		e.Conn.State = connection.Closed
		e.Conn.TimestampEnd = time.Now()
	case layer.OpenConnectionReply:
		if e.Err != nil {
			e.Command.Conn.Error = e.Err.Error()
			return
		}
		e.Command.Conn.State = connection.Open
		e.Command.Conn.TimestampStart = time.Now()
	}
}

// Data feeds bytes received on conn.
func (p *Playbook) Data(conn *connection.Connection, data string) *Playbook {
	p.t.Helper()
	return p.Feed(layer.DataReceived{Conn: conn, Data: []byte(data)})
}

// Close feeds a peer close of conn.
func (p *Playbook) Close(conn *connection.Connection) *Playbook {
	p.t.Helper()
	return p.Feed(layer.ConnectionClosed{Conn: conn})
}

// HalfClose feeds a peer that shut down its write side. conn stays writable,
// as the driver leaves it after reading EOF.
func (p *Playbook) HalfClose(conn *connection.Connection) *Playbook {
	p.t.Helper()
	conn.State &^= connection.CanRead
	return p.handle(layer.ConnectionClosed{Conn: conn})
}

// Reply answers a hook. The hook payload should be mutated before calling.
func (p *Playbook) Reply(h layer.Hook) *Playbook {
	p.t.Helper()
	return p.Feed(layer.HookReply{Hook: h})
}

// ReplyOpen answers an OpenConnection command.
func (p *Playbook) ReplyOpen(cmd *layer.OpenConnection, err error) *Playbook {
	p.t.Helper()
	return p.Feed(layer.OpenConnectionReply{Command: cmd, Err: err})
}

func (p *Playbook) autoReply(c layer.Command) bool {
	if !p.AutoReplyHooks {
		return false
	}
	h, ok := c.(layer.Hook)
	if !ok {
		return false
	}
	if _, isNext := h.(*layer.NextLayerHook); isNext {
		return false
	}
	p.Feed(layer.HookReply{Hook: h})
	return true
}

// Expect pops the next command, which must be of type T. Hooks of other types
// are answered on the way when AutoReplyHooks is set.
func Expect[T layer.Command](p *Playbook) T {
	p.t.Helper()
	for {
		if len(p.queue) == 0 {
			var zero T
			require.FailNowf(p.t, "missing command", "expected %T, no more commands", zero)
		}
		c := p.queue[0]
		p.queue = p.queue[1:]
		if v, ok := c.(T); ok {
			return v
		}
		if p.autoReply(c) {
			continue
		}
		var zero T
		require.FailNowf(p.t, "unexpected command", "expected %T, got %v", zero, c)
	}
}

// ExpectSend pops a SendData to conn carrying exactly data.
func (p *Playbook) ExpectSend(conn *connection.Connection, data string) {
	p.t.Helper()
	cmd := Expect[*layer.SendData](p)
	assert.Same(p.t, conn, cmd.Conn, "SendData target")
	assert.Equal(p.t, data, string(cmd.Data))
}

// ExpectClose pops a CloseConnection of conn.
func (p *Playbook) ExpectClose(conn *connection.Connection) {
	p.t.Helper()
	cmd := Expect[*layer.CloseConnection](p)
	assert.Same(p.t, conn, cmd.Conn, "CloseConnection target")
}

// ExpectOpen pops an OpenConnection to addr.
func (p *Playbook) ExpectOpen(host string, port int) *layer.OpenConnection {
	p.t.Helper()
	cmd := Expect[*layer.OpenConnection](p)
	assert.Equal(p.t, connection.Address{Host: host, Port: port}, cmd.Conn.Address)
	return cmd
}

// ExpectNothing asserts no commands remain, answering leftover hooks first.
func (p *Playbook) ExpectNothing() {
	p.t.Helper()
	for len(p.queue) > 0 {
		c := p.queue[0]
		p.queue = p.queue[1:]
		if p.autoReply(c) {
			continue
		}
		require.FailNowf(p.t, "unexpected command", "expected no commands, got %v", c)
	}
}
